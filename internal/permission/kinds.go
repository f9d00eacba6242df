package permission

// Kind identifies a permission. The set of kinds is closed.
type Kind string

// Permission kinds.
const (
	// DataRead allows read-only queries against the analytical engine.
	DataRead Kind = "data.read"

	// DataWrite allows writes against the analytical engine.
	DataWrite Kind = "data.write"

	// Network allows outbound fetches to the hosts in scope.
	Network Kind = "network"

	// Storage allows access to plugin-private key/value storage.
	Storage Kind = "storage"

	// UIRender allows render requests to the host UI.
	UIRender Kind = "ui.render"

	// SystemInfo allows reading host facts.
	SystemInfo Kind = "system.info"
)

// RiskLevel indicates the security risk of a kind.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota
	// RiskMedium indicates moderate security risk.
	RiskMedium
	// RiskHigh indicates significant security risk.
	RiskHigh
	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ScopeType describes what a kind's scope entries name.
type ScopeType int

const (
	// ScopeNone means the kind takes no parameters.
	ScopeNone ScopeType = iota
	// ScopeHosts means entries are host patterns.
	ScopeHosts
	// ScopeTables means entries are table names.
	ScopeTables
	// ScopePrefixes means entries are key prefixes.
	ScopePrefixes
)

// Info provides metadata about a kind.
type Info struct {
	Kind        Kind
	DisplayName string
	Description string
	Scope       ScopeType
	RiskLevel   RiskLevel
}

// order is the canonical ordering of kinds. Sets render in this order.
var order = []Kind{DataRead, DataWrite, Network, Storage, UIRender, SystemInfo}

var registry = map[Kind]Info{
	DataRead: {
		Kind:        DataRead,
		DisplayName: "Data Read",
		Description: "Run read-only queries against the analytical engine",
		Scope:       ScopeTables,
		RiskLevel:   RiskMedium,
	},
	DataWrite: {
		Kind:        DataWrite,
		DisplayName: "Data Write",
		Description: "Modify data held by the analytical engine",
		Scope:       ScopeTables,
		RiskLevel:   RiskHigh,
	},
	Network: {
		Kind:        Network,
		DisplayName: "Network Access",
		Description: "Fetch resources from the listed hosts",
		Scope:       ScopeHosts,
		RiskLevel:   RiskHigh,
	},
	Storage: {
		Kind:        Storage,
		DisplayName: "Storage",
		Description: "Persist plugin-private key/value data",
		Scope:       ScopePrefixes,
		RiskLevel:   RiskLow,
	},
	UIRender: {
		Kind:        UIRender,
		DisplayName: "UI Render",
		Description: "Send render requests to the host UI",
		Scope:       ScopeNone,
		RiskLevel:   RiskLow,
	},
	SystemInfo: {
		Kind:        SystemInfo,
		DisplayName: "System Info",
		Description: "Read host facts such as memory and CPU counts",
		Scope:       ScopeNone,
		RiskLevel:   RiskMedium,
	},
}

// GetInfo returns metadata about a kind.
func GetInfo(k Kind) (Info, bool) {
	info, ok := registry[k]
	return info, ok
}

// IsValidKind returns true if the kind is known.
func IsValidKind(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// AllKinds returns every kind in canonical order.
func AllKinds() []Kind {
	kinds := make([]Kind, len(order))
	copy(kinds, order)
	return kinds
}

// Scoped reports whether the kind takes a scope.
func (k Kind) Scoped() bool {
	return registry[k].Scope != ScopeNone
}

func (k Kind) rank() int {
	for i, o := range order {
		if o == k {
			return i
		}
	}
	return len(order)
}
