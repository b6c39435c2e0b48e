// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/errors"
)

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		hcl  string
		want string
	}{
		{
			name: "duplicate hookpoint name",
			hcl: `
hookpoint "inbound" { queue_num = 100 }
hookpoint "inbound" { queue_num = 101 }
`,
			want: "duplicate hookpoint",
		},
		{
			name: "shared queue number",
			hcl: `
hookpoint "inbound" { queue_num = 100 }
hookpoint "outbound" { queue_num = 100 }
`,
			want: "share queue 100",
		},
		{
			name: "unknown direction",
			hcl: `
hookpoint "inbound" {
  queue_num = 100
  direction = "sideways"
}
`,
			want: "unknown direction",
		},
		{
			name: "unknown filter backend",
			hcl:  `filter { backend = "iptables" }`,
			want: "unknown filter backend",
		},
		{
			name: "unparsable diag listen",
			hcl: `
diag {
  enabled = true
  listen  = "no-port-here"
}
`,
			want: "listen address",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.hcl), "flyhook.hcl")
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAcceptsDisabledDiagListen(t *testing.T) {
	// The listen address is only checked once diag is enabled.
	_, err := Parse([]byte(`diag { listen = "garbage" }`), "flyhook.hcl")
	require.NoError(t, err)
}

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, Default().Validate())
}
