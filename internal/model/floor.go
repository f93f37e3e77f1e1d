package model

// Floor is one level of an office building. Seats reference their floor and
// clients viewing a floor subscribe to its topic.
type Floor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Building string `json:"building"`
}
