package security

// AccessPolicy decides who may create batches.
type AccessPolicy struct {
	public bool
	admins map[int64]struct{}
}

func NewAccessPolicy(public bool, admins []int64) *AccessPolicy {
	set := make(map[int64]struct{}, len(admins))
	for _, id := range admins {
		if id != 0 {
			set[id] = struct{}{}
		}
	}
	return &AccessPolicy{public: public, admins: set}
}

// Allowed reports whether userID may run restricted commands. Everybody is
// allowed when the file store is public.
func (p *AccessPolicy) Allowed(userID int64) bool {
	if p == nil {
		return false
	}
	if p.public {
		return true
	}
	if userID == 0 {
		return false
	}
	_, ok := p.admins[userID]
	return ok
}
