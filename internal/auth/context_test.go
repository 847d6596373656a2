package auth

import (
	"context"
	"testing"
)

func TestWithAuth_FromContext(t *testing.T) {
	want := &AuthContext{Subject: "op-1", Role: RoleOperator}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestAuthContext_OperatorID(t *testing.T) {
	tests := []struct {
		name string
		ac   *AuthContext
		want string
	}{
		{"operator", &AuthContext{Subject: "op-1", Role: RoleOperator}, "op-1"},
		{"service", &AuthContext{Subject: "webhook", Role: RoleService}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ac.OperatorID(); got != tt.want {
				t.Errorf("OperatorID() = %q, want %q", got, tt.want)
			}
		})
	}
}
