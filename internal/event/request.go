package event

// Attachment is value sent along with a request.
type Attachment struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// Header is common to all user requests. Sender sequences are validated per
// sender.
type Header struct {
	TriggerID string      `json:"trigger_id"`
	Sender    string      `json:"sender"`
	Timestamp int64       `json:"timestamp"`
	Sequence  int64       `json:"sequence"`
	Attached  *Attachment `json:"attached,omitempty"`
}

func (h *Header) IdempotencyKey() string { return h.TriggerID }

func (h *Header) Partition() string { return "sender:" + h.Sender }

func (h *Header) SourceSequence() int64 { return h.Sequence }

func (h *Header) Time() int64 { return h.Timestamp }

// Request exposes the header of user requests.
func (h *Header) Request() *Header { return h }

// AttachedAmount returns the attached amount of asset, or 0.
func (h *Header) AttachedAmount(asset string) int64 {
	if h.Attached == nil || h.Attached.Asset != asset {
		return 0
	}
	return h.Attached.Amount
}

// Exchange buys Asset with attached reserve or sells attached Asset tokens.
type Exchange struct {
	Header
	Asset string `json:"asset"`
}

func (e *Exchange) EventType() EventType { return EventTypeExchange }

// PresaleContribute escrows attached reserve into a presale.
type PresaleContribute struct {
	Header
	Asset string `json:"asset"`
}

func (e *PresaleContribute) EventType() EventType { return EventTypePresaleContribute }

// PresaleWithdraw takes reserve back from an open presale.
type PresaleWithdraw struct {
	Header
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func (e *PresaleWithdraw) EventType() EventType { return EventTypePresaleWithdraw }

type PresaleClaim struct {
	Header
	Asset string `json:"asset"`
}

func (e *PresaleClaim) EventType() EventType { return EventTypePresaleClaim }
