package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orizon-lang/fairsched/internal/runtime/schedstat"
)

func TestCheckAPICompatible(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		constraint string
		wantErr    bool
	}{
		{"current server", schedstat.APIVersion, ClientAPIConstraint, false},
		{"older minor", "1.0.0", ClientAPIConstraint, false},
		{"next major", "2.0.0", ClientAPIConstraint, true},
		{"pre-1.0", "0.9.0", ClientAPIConstraint, true},
		{"empty constraint", "7.1.2", "", false},
		{"bad version", "one", ClientAPIConstraint, true},
		{"bad constraint", "1.0.0", "^^", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAPICompatible(tt.version, tt.constraint)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
