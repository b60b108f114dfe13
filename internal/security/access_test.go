package security

import "testing"

func TestAccessPolicyAdminsOnly(t *testing.T) {
	policy := NewAccessPolicy(false, []int64{10, 0, 20})
	if !policy.Allowed(10) || !policy.Allowed(20) {
		t.Fatal("expected admins to be allowed")
	}
	if policy.Allowed(30) {
		t.Fatal("expected non-admin to be rejected")
	}
	if policy.Allowed(0) {
		t.Fatal("expected anonymous sender to be rejected")
	}
}

func TestAccessPolicyPublic(t *testing.T) {
	policy := NewAccessPolicy(true, nil)
	if !policy.Allowed(30) || !policy.Allowed(0) {
		t.Fatal("expected public store to allow everyone")
	}
}

func TestNilAccessPolicy(t *testing.T) {
	var policy *AccessPolicy
	if policy.Allowed(1) {
		t.Fatal("nil policy must reject")
	}
}
