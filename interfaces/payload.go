package interfaces

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Payload is the type-specific body of an action. Each action type has exactly
// one payload variant, so executor branches are statically guaranteed the
// fields they need.
type Payload interface {
	ActionType() ActionType
}

// PaymentPayload is a single transfer to one destination.
type PaymentPayload struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset,omitempty"`
	Memo        string `json:"memo,omitempty"`
	Category    string `json:"category,omitempty"`
}

func (PaymentPayload) ActionType() ActionType { return ActionPayment }

// BatchPaymentItem is one leg of a batch payment.
type BatchPaymentItem struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset,omitempty"`
}

// BatchPaymentPayload is a multi-destination transfer (payroll).
type BatchPaymentPayload struct {
	Payments []BatchPaymentItem `json:"payments"`
	Memo     string             `json:"memo,omitempty"`
}

func (BatchPaymentPayload) ActionType() ActionType { return ActionBatchPayment }

// PathPaymentPayload is a cross-asset transfer.
type PathPaymentPayload struct {
	Destination string `json:"destination"`
	SendAsset   string `json:"send_asset"`
	DestAsset   string `json:"dest_asset"`
	DestAmount  string `json:"dest_amount"`
	MaxSend     string `json:"max_send"`
}

func (PathPaymentPayload) ActionType() ActionType { return ActionPathPayment }

// ProposalPayload is a governance proposal put to a vote.
type ProposalPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (ProposalPayload) ActionType() ActionType { return ActionProposal }

// MilestoneReleasePayload releases escrowed funds for a completed milestone.
type MilestoneReleasePayload struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Milestone   string `json:"milestone,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

func (MilestoneReleasePayload) ActionType() ActionType { return ActionMilestoneRelease }

// DisputePayload records an escrow dispute resolution.
type DisputePayload struct {
	Resolution string `json:"resolution"`
	Details    string `json:"details,omitempty"`
}

func (DisputePayload) ActionType() ActionType { return ActionDispute }

// HeartbeatPayload is the liveness signal of an inheritance vault owner.
type HeartbeatPayload struct{}

func (HeartbeatPayload) ActionType() ActionType { return ActionHeartbeat }

// ExecutorActivationPayload activates the executor after a missed heartbeat.
type ExecutorActivationPayload struct {
	Reason        string    `json:"reason"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	IntervalDays  int       `json:"interval_days,omitempty"`
}

func (ExecutorActivationPayload) ActionType() ActionType { return ActionExecutorActivation }

// ConfigChangePayload applies a typed patch to the vault configuration.
type ConfigChangePayload struct {
	Changes ConfigPatch `json:"changes"`
}

func (ConfigChangePayload) ActionType() ActionType { return ActionConfigChange }

// MemberAddPayload proposes adding a member.
type MemberAddPayload struct {
	Email string     `json:"email"`
	Role  MemberRole `json:"role"`
	Label string     `json:"label,omitempty"`
}

func (MemberAddPayload) ActionType() ActionType { return ActionMemberAdd }

// MemberRemovePayload proposes removing a member.
type MemberRemovePayload struct {
	MemberID MemberID `json:"member_id"`
}

func (MemberRemovePayload) ActionType() ActionType { return ActionMemberRemove }

// ShareRotationPayload re-splits the signing key for a new member set.
type ShareRotationPayload struct {
	NewThreshold int        `json:"new_threshold"`
	MemberIDs    []MemberID `json:"member_ids"`
}

func (ShareRotationPayload) ActionType() ActionType { return ActionShareRotation }

// PayloadAmount returns the numeric amount a payload carries for rule and
// rate-limit evaluation. Only single-destination transfers carry one; batch
// and path payments report no amount, matching the reference behavior.
func PayloadAmount(p Payload) (float64, bool) {
	var raw string
	switch v := p.(type) {
	case PaymentPayload:
		raw = v.Amount
	case *PaymentPayload:
		raw = v.Amount
	case MilestoneReleasePayload:
		raw = v.Amount
	case *MilestoneReleasePayload:
		raw = v.Amount
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return f, true
}

// PayloadDestination returns the destination address for whitelist checks,
// if the payload has one.
func PayloadDestination(p Payload) (string, bool) {
	switch v := p.(type) {
	case PaymentPayload:
		return v.Destination, v.Destination != ""
	case *PaymentPayload:
		return v.Destination, v.Destination != ""
	case PathPaymentPayload:
		return v.Destination, v.Destination != ""
	case *PathPaymentPayload:
		return v.Destination, v.Destination != ""
	}
	return "", false
}

type payloadEnvelope struct {
	Type ActionType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes a payload into its tagged JSON envelope.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: p.ActionType(), Data: data})
}

// DecodePayload parses a tagged JSON envelope back into its payload variant.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	var p Payload
	switch env.Type {
	case ActionPayment:
		p = &PaymentPayload{}
	case ActionBatchPayment:
		p = &BatchPaymentPayload{}
	case ActionPathPayment:
		p = &PathPaymentPayload{}
	case ActionProposal:
		p = &ProposalPayload{}
	case ActionMilestoneRelease:
		p = &MilestoneReleasePayload{}
	case ActionDispute:
		p = &DisputePayload{}
	case ActionHeartbeat:
		p = &HeartbeatPayload{}
	case ActionExecutorActivation:
		p = &ExecutorActivationPayload{}
	case ActionConfigChange:
		p = &ConfigChangePayload{}
	case ActionMemberAdd:
		p = &MemberAddPayload{}
	case ActionMemberRemove:
		p = &MemberRemovePayload{}
	case ActionShareRotation:
		p = &ShareRotationPayload{}
	default:
		return nil, fmt.Errorf("unknown action type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return p, nil
}
