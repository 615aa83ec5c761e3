package domain

// DnssecPolicy is the signing policy of one zone. Zero values mean "server
// default". It is a value object: changing the policy replaces it whole.
type DnssecPolicy struct {
	Enable            bool
	Validate          bool
	Disable           bool // policy configured but signing turned off
	Manual            bool
	SingleTypeSigning bool
	Alg               string
	KskSize           int
	ZskSize           int
	DnskeyTTL         int
	ZoneMaxTTL        int
	KskLifetime       int
	ZskLifetime       int
	PropagationDelay  int
	RrsigLifetime     int
	RrsigRefresh      int
	Nsec3             bool
	Nsec3Iters        int
	Nsec3OptOut       bool
	Nsec3SaltLen      int
	KskShared         bool
	CdsPublish        string
	DnskeyMgmt        string
	OfflineKsk        bool

	// SharedPolicyWith names another zone whose policy this one reuses. It
	// is a reference by name, not ownership.
	SharedPolicyWith string
}

// Signed reports whether the policy asks the server to sign the zone.
func (p DnssecPolicy) Signed() bool {
	return p.Enable && !p.Disable
}
