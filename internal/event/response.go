package event

// Payout is value sent back to an address as part of a response.
type Payout struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

// Response is the outcome of one request.
type Response struct {
	TriggerID string            `json:"trigger_id"`
	Sender    string            `json:"sender,omitempty"`
	Target    string            `json:"target"`
	Sequence  int64             `json:"sequence"`
	OK        bool              `json:"ok"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Payouts   []Payout          `json:"payouts,omitempty"`
}

// Set records a response field.
func (r *Response) Set(key, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[key] = value
}

// Pay appends a payout, skipping zero amounts.
func (r *Response) Pay(address, asset string, amount int64) {
	if amount <= 0 {
		return
	}
	r.Payouts = append(r.Payouts, Payout{Address: address, Asset: asset, Amount: amount})
}
