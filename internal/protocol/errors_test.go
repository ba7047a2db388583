package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrNotJoined,
		ErrChannelDenied,
		ErrChannelLimit,
		ErrUnknownChannel,
		ErrBadRequest,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCheckVersion(t *testing.T) {
	for _, v := range []string{"1", "1.0", "1.7"} {
		if err := CheckVersion(v); err != nil {
			t.Fatalf("CheckVersion(%q): %v", v, err)
		}
	}
	for _, v := range []string{"", "0.9", "2.0", "10.1"} {
		if err := CheckVersion(v); err == nil {
			t.Fatalf("CheckVersion(%q) should fail", v)
		}
	}
}
