package adapter

// Usage captures normalized token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalize fills TotalTokens when the provider left it empty.
func (u Usage) Normalize() Usage {
	if u.TotalTokens == 0 && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Response is the text output of one model call.
type Response struct {
	Content string
	Adapter string
	Model   string
	Usage   *Usage
}

// UsageOrZero returns the normalized usage, or zero usage when the provider reported none.
func (r *Response) UsageOrZero() Usage {
	if r == nil || r.Usage == nil {
		return Usage{}
	}
	return r.Usage.Normalize()
}
