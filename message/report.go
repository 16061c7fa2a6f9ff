package message

// ChannelResult records the outcome of one destination inside a send cycle.
type ChannelResult struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChannelSet groups a cycle's per-destination outcomes.
type ChannelSet struct {
	Successful []ChannelResult `json:"successful"`
	Failed     []ChannelResult `json:"failed"`
}

// Report is the structured outcome of one send cycle. It is what gets handed
// to the logging sink, wrapped with the owning guild's context.
type Report struct {
	Type     string     `json:"type"`
	Mode     Mode       `json:"mode,omitempty"`
	SentData string     `json:"sent_data"`
	Channels ChannelSet `json:"channels"`
}

// Empty reports whether the cycle reached no destination at all.
func (r *Report) Empty() bool {
	return r == nil || (len(r.Channels.Successful) == 0 && len(r.Channels.Failed) == 0)
}
