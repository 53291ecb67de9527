package model

// Scope selects which live connections a Delivery targets.
type Scope string

const (
	ScopeRoom       Scope = "room"
	ScopeIdentity   Scope = "identity"
	ScopeConnection Scope = "connection"
	ScopeAll        Scope = "all"
)

// Delivery is an event plus its routing. Targets are resolved to live
// connections when the delivery is applied, never when it is created.
type Delivery struct {
	Scope       Scope  `json:"scope"`
	Target      string `json:"target,omitempty"`
	ExcludeConn string `json:"exclude_conn,omitempty"`
	ExcludeUser string `json:"exclude_user,omitempty"`
	Event       Event  `json:"event"`
}
