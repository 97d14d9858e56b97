package kiro

import "testing"

func TestDeriveID_Deterministic(t *testing.T) {
	a := DeriveID("e@x.com", AuthMethodIdentityCenter, "cid", "arn")
	b := DeriveID("e@x.com", AuthMethodIdentityCenter, "cid", "arn")
	if a != b {
		t.Fatalf("DeriveID not deterministic: %s != %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32-hex id, got %d chars: %s", len(a), a)
	}
}

func TestDeriveID_SensitiveToEachField(t *testing.T) {
	base := DeriveID("e@x.com", AuthMethodIdentityCenter, "cid", "arn")
	variants := []string{
		DeriveID("other@x.com", AuthMethodIdentityCenter, "cid", "arn"),
		DeriveID("e@x.com", AuthMethodBuilderID, "cid", "arn"),
		DeriveID("e@x.com", AuthMethodIdentityCenter, "other", "arn"),
		DeriveID("e@x.com", AuthMethodIdentityCenter, "cid", "other"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d unexpectedly equal to base id", i)
		}
	}
}

func TestNormalizeRegion(t *testing.T) {
	cases := map[string]Region{
		"us-east-1": RegionUSEast1,
		"us-west-2": RegionUSWest2,
		"eu-west-1": RegionUSEast1,
		"":          RegionUSEast1,
		"garbage":   RegionUSEast1,
	}
	for in, want := range cases {
		if got := NormalizeRegion(in); got != want {
			t.Errorf("NormalizeRegion(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAccessTokenExpired(t *testing.T) {
	a := &Account{AccessToken: "at", ExpiresAt: 1000}
	if !a.AccessTokenExpired(1000, 0) {
		t.Error("expected expired at exact boundary")
	}
	if a.AccessTokenExpired(100, 0) {
		t.Error("expected not expired well before expiry")
	}
	if !a.AccessTokenExpired(950, 100) {
		t.Error("expected expired within buffer window")
	}
}

func TestAccessTokenExpired_EmptyToken(t *testing.T) {
	a := &Account{}
	if !a.AccessTokenExpired(0, 0) {
		t.Error("empty access token should always be considered expired")
	}
}

func TestQuotaExhausted(t *testing.T) {
	cases := []struct {
		used, limit int64
		want        bool
	}{
		{0, 0, false},
		{5, 10, false},
		{10, 10, true},
		{11, 10, true},
	}
	for _, tc := range cases {
		a := &Account{UsedCount: tc.used, LimitCount: tc.limit}
		if got := a.QuotaExhausted(); got != tc.want {
			t.Errorf("QuotaExhausted(used=%d,limit=%d) = %v, want %v", tc.used, tc.limit, got, tc.want)
		}
	}
}

func TestMarkUnhealthy_SetsTriple(t *testing.T) {
	a := &Account{IsHealthy: true}
	a.MarkUnhealthy("Quota exhausted", 12345)
	if a.IsHealthy {
		t.Error("expected IsHealthy false")
	}
	if a.UnhealthyReason != "Quota exhausted" {
		t.Errorf("unexpected reason: %s", a.UnhealthyReason)
	}
	if a.RecoveryTime != 12345 {
		t.Errorf("unexpected recovery time: %d", a.RecoveryTime)
	}
}

func TestClearUnhealthy(t *testing.T) {
	a := &Account{}
	a.MarkUnhealthy("Forbidden", 0)
	a.ClearUnhealthy()
	if !a.IsHealthy || a.UnhealthyReason != "" || a.RecoveryTime != 0 {
		t.Errorf("expected fully cleared health state, got %+v", a)
	}
}
