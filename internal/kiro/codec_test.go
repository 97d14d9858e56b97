package kiro

import "testing"

func TestEncodeDecodeRoundTrip_IdentityCenter(t *testing.T) {
	parts := RefreshParts{
		RefreshToken: "r",
		ClientID:     "c",
		ClientSecret: "s",
		StartURL:     "https://x.y/start",
		AuthMethod:   AuthMethodIdentityCenter,
	}

	encoded, err := Encode(parts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded != "r|c|s|https://x.y/start|identity-center" {
		t.Fatalf("unexpected encoding: %s", encoded)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != parts {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, parts)
	}
}

func TestEncodeDecodeRoundTrip_BuilderID(t *testing.T) {
	parts := RefreshParts{
		RefreshToken: "rt",
		ClientID:     "cid",
		ClientSecret: "sec",
		AuthMethod:   AuthMethodBuilderID,
	}

	encoded, err := Encode(parts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded != "rt|cid|sec|idc" {
		t.Fatalf("unexpected encoding: %s", encoded)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != parts {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", decoded, parts)
	}
}

func TestDecode_LegacyTags(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want AuthMethod
	}{
		{"legacy idc", "r|c|s|idc", AuthMethodBuilderID},
		{"legacy desktop", "r|c|s|desktop", AuthMethodBuilderID},
		{"legacy social", "r|c|s|https://x/start|social", AuthMethodIdentityCenter},
		{"legacy sso", "r|c|s|https://x/start|sso", AuthMethodIdentityCenter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.in)
			if err != nil {
				t.Fatalf("Decode(%q): %v", tc.in, err)
			}
			if got.AuthMethod != tc.want {
				t.Errorf("AuthMethod = %s, want %s", got.AuthMethod, tc.want)
			}
		})
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	_, err := Decode("r|c|s|bogus")
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	var tagErr *ErrUnknownAuthTag
	if !asUnknownTag(err, &tagErr) {
		t.Fatalf("expected ErrUnknownAuthTag, got %T: %v", err, err)
	}
}

func asUnknownTag(err error, target **ErrUnknownAuthTag) bool {
	e, ok := err.(*ErrUnknownAuthTag)
	if ok {
		*target = e
	}
	return ok
}

func TestEncode_MissingCredentials(t *testing.T) {
	_, err := Encode(RefreshParts{AuthMethod: AuthMethodBuilderID})
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestEncode_IdentityCenterRequiresStartURL(t *testing.T) {
	_, err := Encode(RefreshParts{
		RefreshToken: "r",
		ClientID:     "c",
		ClientSecret: "s",
		AuthMethod:   AuthMethodIdentityCenter,
	})
	if err == nil {
		t.Fatal("expected error for missing startUrl")
	}
}

func TestEncode_RejectsPipeInField(t *testing.T) {
	_, err := Encode(RefreshParts{
		RefreshToken: "r|bad",
		ClientID:     "c",
		ClientSecret: "s",
		AuthMethod:   AuthMethodBuilderID,
	})
	if err == nil {
		t.Fatal("expected error for pipe-containing field")
	}
}

func TestDecode_TooFewSegments(t *testing.T) {
	_, err := Decode("onlyonesegment")
	if err == nil {
		t.Fatal("expected error for malformed token")
	}
}
