// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/flyhook/internal/channel"
	"grimm.is/flyhook/internal/diag"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/hookpoints"
)

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "reading config %s", path)
	}
	return Parse(data, path)
}

// Parse decodes HCL or JSON bytes into a validated configuration with
// defaults applied. filename feeds diagnostics and, through its extension,
// parser selection; no extension means HCL.
func Parse(data []byte, filename string) (*Config, error) {
	if ext := filepath.Ext(filename); ext != ".hcl" && ext != ".json" {
		filename += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidArgument, "decoding config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Example renders a complete example configuration with one hook point on
// every block the daemon reads.
func Example() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	ch := body.AppendNewBlock("channel", nil).Body()
	ch.SetAttributeValue("socket_path", cty.StringVal(channel.DefaultSocketPath))
	ch.SetAttributeValue("socket_mode", cty.StringVal("0660"))
	body.AppendNewline()

	priv := body.AppendNewBlock("privilege", nil).Body()
	priv.SetAttributeValue("admin_group", cty.StringVal("flyhook"))
	body.AppendNewline()

	flt := body.AppendNewBlock("filter", nil).Body()
	flt.SetAttributeValue("backend", cty.StringVal("nft"))
	flt.SetAttributeValue("table", cty.StringVal("flyhook"))
	body.AppendNewline()

	hook := body.AppendNewBlock("hookpoint", []string{"inbound"}).Body()
	hook.SetAttributeValue("direction", cty.StringVal(hookpoints.DirectionInbound))
	hook.SetAttributeValue("queue_num", cty.NumberIntVal(100))
	hook.SetAttributeValue("interfaces", cty.ListVal([]cty.Value{cty.StringVal("eth0")}))
	body.AppendNewline()

	di := body.AppendNewBlock("diag", nil).Body()
	di.SetAttributeValue("enabled", cty.BoolVal(true))
	di.SetAttributeValue("listen", cty.StringVal(diag.DefaultConfig().Listen))
	body.AppendNewline()

	lg := body.AppendNewBlock("logging", nil).Body()
	lg.SetAttributeValue("level", cty.StringVal("info"))
	body.AppendNewline()

	au := body.AppendNewBlock("audit", nil).Body()
	au.SetAttributeValue("path", cty.StringVal("/var/lib/flyhook/audit.db"))
	au.SetAttributeValue("retention_days", cty.NumberIntVal(90))

	return f.Bytes()
}
