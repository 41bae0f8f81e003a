package campaign

import (
	"errors"
	"time"
)

type Channel string

const (
	ChannelSMS        Channel = "sms"
	ChannelMMS        Channel = "mms"
	ChannelFriendtalk Channel = "kakao-friendtalk"
	ChannelAlimtalk   Channel = "kakao-alimtalk"
)

func ValidChannel(c Channel) bool {
	switch c {
	case ChannelSMS, ChannelMMS, ChannelFriendtalk, ChannelAlimtalk:
		return true
	}
	return false
}

type Status string

const (
	StatusDraft           Status = "draft"
	StatusScheduled       Status = "scheduled"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusPartiallyFailed Status = "partially-failed"
	StatusCancelled       Status = "cancelled"
)

// Message is one unit of content addressed to a frozen recipient list on one
// channel. The gateway may split a single message into multiple physical
// send-groups; GroupIDs holds the identifiers of the groups it accepted.
type Message struct {
	ID           string     `json:"message_id"`
	Channel      Channel    `json:"channel"`
	BodyText     string     `json:"body_text"`
	ImageRef     string     `json:"image_ref,omitempty"`
	ButtonText   string     `json:"button_text,omitempty"`
	ButtonLink   string     `json:"button_link,omitempty"`
	Status       Status     `json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Recipients   []string   `json:"recipients"`
	GroupIDs     []string   `json:"group_ids"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	SendingCount int        `json:"sending_count"`
	TotalCount   int        `json:"total_count"`
	// Number of groups that failed to submit to the gateway. Those groups
	// have no gateway-side tracking, so the flag must survive reconciliation
	// or a partial submission would later be reported as a full success.
	SubmitFailedGroups int       `json:"submit_failed_groups,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// OwnsGroup reports whether groupID belongs to the message's current
// dispatch cycle. Reports for unknown groups are stale data.
func (m *Message) OwnsGroup(groupID string) bool {
	for _, id := range m.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// CountsConsistent checks the aggregate invariant
// success + fail + sending <= total.
func (m *Message) CountsConsistent() bool {
	return m.SuccessCount+m.FailCount+m.SendingCount <= m.TotalCount
}

// DeriveStatus computes the message status from the reconciled aggregate.
// A message whose operator cancelled it keeps that status; submitted groups
// still reconcile their counts underneath it. submitFailedGroups keeps a
// partial submission from ever being reported as a full success, because
// failed-to-submit groups have no gateway-side counts at all.
func DeriveStatus(current Status, sendingCount, failCount, submitFailedGroups int) Status {
	if current == StatusCancelled {
		return StatusCancelled
	}
	if sendingCount > 0 {
		if submitFailedGroups > 0 {
			return StatusPartiallyFailed
		}
		return StatusSending
	}
	if failCount > 0 || submitFailedGroups > 0 {
		return StatusPartiallyFailed
	}
	return StatusSent
}

// GroupStatus is one gateway-reported snapshot for one physical send-group.
// Snapshots are absolute, not deltas: a later snapshot for the same group
// replaces an earlier one.
type GroupStatus struct {
	GroupID      string    `json:"groupId"`
	SuccessCount int       `json:"successCount"`
	FailCount    int       `json:"failCount"`
	SendingCount int       `json:"sendingCount"`
	TotalCount   int       `json:"totalCount"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

type LogStatus string

const (
	LogScheduled LogStatus = "scheduled"
	LogDraft     LogStatus = "draft"
	LogSent      LogStatus = "sent"
	LogFailed    LogStatus = "failed"
)

// DeliveryLog is one per-recipient audit row, unique on
// (MessageID, RecipientPhone). Writes are upserts; rows are never deleted.
type DeliveryLog struct {
	MessageID      string    `json:"message_id"`
	RecipientPhone string    `json:"recipient_phone"`
	Channel        Channel   `json:"channel"`
	Status         LogStatus `json:"status"`
	SentAt         time.Time `json:"sent_at"`
}

var (
	ErrNotFound                 = errors.New("message not found")
	ErrNoValidRecipients        = errors.New("no valid recipients after normalization and opt-out filtering")
	ErrDuplicateRequest         = errors.New("duplicate prepare request")
	ErrInvalidTransition        = errors.New("message status does not allow this operation")
	ErrReconciliationInProgress = errors.New("reconciliation already in progress for this message")
)
