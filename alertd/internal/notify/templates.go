package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/autointelli/alertd/pkg/types"
)

//go:embed templates/*.html
var templateFS embed.FS

// genericTemplate renders notifications whose id has no dedicated layout.
const genericTemplate = "generic"

// subjectMap holds the subject line per template id. Placeholders are {field}.
var subjectMap = map[string]string{
	"url_down":     "URL Down Alert for {hostname}",
	"url_slow":     "URL Slow Response for {hostname}",
	"url_recovery": "URL Recovery for {hostname}",

	"port_alert":    "Port Down Alert for {hostname}:{port}",
	"port_slow":     "Port Latency Alert for {hostname}:{port}",
	"port_recovery": "Port Recovery Alert for {hostname}:{port}",

	"ping_latency":    "Ping Latency Alert for {hostname}",
	"ping_packetloss": "Ping Packet Loss Alert for {hostname}",
	"ping_recovery":   "Ping Recovery for {hostname}",

	"service_down":     "Service Down Alert in {hostname}",
	"service_recovery": "Service Recovery Alert in {hostname}",

	"oracle_db_down":         "Oracle Database Down Alert",
	"oracle_recovery":        "Oracle Database Recovery Alert",
	"oracle_threshold_alert": "Oracle Database Threshold Alert",

	"server_cpu_high":      "CPU High Alert for {hostname}",
	"server_cpu_recovery":  "CPU Recovery for {hostname}",
	"server_mem_high":      "Memory High Alert for {hostname}",
	"server_mem_recovery":  "Memory Recovery for {hostname}",
	"server_disk_high":     "Disk Alert for {hostname}",
	"server_disk_recovery": "Disk Recovery for {hostname}",
	"server_net_high":      "Network Alert for {hostname}",
	"server_net_recovery":  "Network Recovery for {hostname}",

	"interface_down":     "Interface Down: {hostname} / {interface}",
	"interface_recovery": "Interface Recovery: {hostname} / {interface}",

	"device_down":     "{kind} Down Alert: {device}",
	"device_recovery": "{kind} Recovery: {device} is UP",

	"fortigate_vpn_down":             "Fortigate VPN Down: {hostname} / {vpn_name}",
	"fortigate_vpn_recovery":         "Fortigate VPN Recovery: {hostname} / {vpn_name}",
	"fortigate_vpn_alert":            "Fortigate VPN Traffic Alert: {hostname} / {vpn_name}",
	"fortigate_vpn_recovery_traffic": "Fortigate VPN Traffic Recovery: {hostname} / {vpn_name}",
	"fortigate_sdwan_alert":          "SDWAN Link Alert: {hostname} / {link_name}",
	"fortigate_sdwan_recovery":       "SDWAN Link Recovery: {hostname} / {link_name}",
	"fortigate_sys_alert":            "Fortigate System Alert: {hostname}",
	"fortigate_sys_recovery":         "Fortigate System Recovery: {hostname}",
}

// Renderer produces subjects and HTML bodies from template ids and fields.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("notify").Funcs(template.FuncMap{
		"row":       func(label string, value any) map[string]any { return map[string]any{"label": label, "value": value} },
		"present":   func(v any) bool { _, ok := types.Stringify(v); return ok },
		"title":     withTitle(false),
		"recovered": withTitle(true),
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing notification templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// MustRenderer is NewRenderer for package initialization; the templates are embedded.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

func withTitle(recovery bool) func(map[string]any, string) map[string]any {
	return func(fields map[string]any, title string) map[string]any {
		out := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			out[k] = v
		}
		out["title"] = title
		out["recovery"] = recovery
		return out
	}
}

// Has reports whether a dedicated layout exists for id.
func (r *Renderer) Has(id string) bool {
	return id != genericTemplate && r.tmpl.Lookup(id) != nil
}

// Subject renders the subject line for id. Unknown ids use the id itself.
func (r *Renderer) Subject(id string, fields map[string]any) string {
	line, ok := subjectMap[id]
	if !ok {
		line = id
	}
	return FormatSubject(line, fields)
}

// Body renders the HTML body for id, falling back to the generic layout.
func (r *Renderer) Body(id string, fields map[string]any) (string, error) {
	name := id
	data := fields
	if !r.Has(id) {
		name = genericTemplate
		data = genericData(id, fields)
	}

	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", id, err)
	}
	return buf.String(), nil
}

// genericData lists every non-derived field, sorted by name.
func genericData(id string, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["title"] = strings.ReplaceAll(id, "_", " ")
	out["recovery"] = strings.HasSuffix(id, "_recovery")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if derivedFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, map[string]any{"label": k, "value": fields[k]})
	}
	out["field_rows"] = rows
	return out
}

// FormatSubject substitutes {name} placeholders. If a placeholder names a
// field that is absent the line is returned unchanged. A nil field renders empty.
func FormatSubject(line string, fields map[string]any) string {
	var (
		b    strings.Builder
		rest = line
	)
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		name := rest[open+1 : open+end]
		raw, ok := fields[name]
		if !ok {
			return line
		}
		value, _ := types.Stringify(raw)
		b.WriteString(rest[:open])
		b.WriteString(value)
		rest = rest[open+end+1:]
	}
}
