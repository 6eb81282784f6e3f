package cli

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"k8s.io/client-go/util/jsonpath"

	"github.com/frobware/go-ebpfpolicy/diag"
	"github.com/frobware/go-ebpfpolicy/ebpfconfig"
	"github.com/frobware/go-ebpfpolicy/security"
	"github.com/frobware/go-ebpfpolicy/server/api"
	"github.com/frobware/go-ebpfpolicy/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const timeLayout = "2006-01-02T15:04:05Z07:00"

// render formats v as JSON or JSONPath, or calls table for table output.
func render(v any, flags *OutputFlags, table func() string) (string, error) {
	switch flags.Format() {
	case OutputFormatJSON:
		return formatJSON(v)
	case OutputFormatJSONPath:
		return formatJSONPath(v, flags.JSONPathExpr())
	default:
		return table(), nil
	}
}

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

func formatJSONPath(v any, expr string) (string, error) {
	jp := jsonpath.New("output")
	if err := jp.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid jsonpath expression %q: %w", expr, err)
	}

	// jsonpath walks generic values, not structs with json tags.
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	var data any
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := jp.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("jsonpath execution failed: %w", err)
	}
	return buf.String() + "\n", nil
}

// FormatValidation formats the result of a validation.
func FormatValidation(resp api.ValidateResponse, flags *OutputFlags) (string, error) {
	return render(resp, flags, func() string {
		var b strings.Builder
		if resp.Valid {
			fmt.Fprintf(&b, "VALID  %s\n", findingSummary(resp.Findings))
		} else {
			fmt.Fprintf(&b, "INVALID  %s\n", findingSummary(resp.Findings))
		}
		if resp.Error != "" {
			fmt.Fprintf(&b, "  error  %s\n", resp.Error)
		}
		writeFindings(&b, resp.Findings)
		return b.String()
	})
}

// FormatActivation formats the result of an activation attempt.
func FormatActivation(resp api.ActivateResponse, flags *OutputFlags) (string, error) {
	return render(resp, flags, func() string {
		var b strings.Builder
		if resp.Accepted {
			fmt.Fprintf(&b, "ACCEPTED  generation %d  %s\n", resp.Generation, findingSummary(resp.Findings))
		} else {
			fmt.Fprintf(&b, "REJECTED  %s\n", findingSummary(resp.Findings))
		}
		fmt.Fprintf(&b, "  activation %s\n", resp.ActivationID)
		if resp.Error != "" {
			fmt.Fprintf(&b, "  error      %s\n", resp.Error)
		}
		writeFindings(&b, resp.Findings)
		return b.String()
	})
}

// FormatPolicy formats a published policy.
func FormatPolicy(resp api.PolicyResponse, flags *OutputFlags) (string, error) {
	return render(resp, flags, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "POLICY  %s  %s  generation %d\n", resp.FilterType, resp.Mode, resp.Generation)
		fmt.Fprintf(&b, "  id           %s\n", resp.ID)
		fmt.Fprintf(&b, "  activated_at %s\n", resp.ActivatedAt.Format(timeLayout))
		fmt.Fprintf(&b, "  rules        %d\n", resp.Rules)
		fmt.Fprintf(&b, "  map_entries  %d\n", resp.MapEntries)
		writeIdentity(&b, resp.Identity)
		return b.String()
	})
}

// FormatActivationList formats activation history, newest first.
func FormatActivationList(list []store.Activation, flags *OutputFlags) (string, error) {
	return render(list, flags, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "%-36s  %-6s  %-8s  %-8s  %-4s  %-25s  %s\n",
			"ID", "KIND", "TYPE", "RESULT", "GEN", "CREATED", "SOURCE")
		for _, a := range list {
			fmt.Fprintf(&b, "%-36s  %-6s  %-8s  %-8s  %-4s  %-25s  %s\n",
				a.ID, a.Kind, filterTypeColumn(a), resultColumn(a.Accepted),
				generationColumn(a.Generation), a.CreatedAt.Format(timeLayout), a.Source)
		}
		return b.String()
	})
}

// FormatActivationDetail formats one activation, optionally with the
// document it loaded.
func FormatActivationDetail(resp api.ActivationResponse, flags *OutputFlags, showDocument bool) (string, error) {
	return render(resp, flags, func() string {
		a := resp.Activation
		var b strings.Builder
		fmt.Fprintf(&b, "ACTIVATION  %s  %s  %s\n", a.ID, a.Kind, resultColumn(a.Accepted))
		if a.Kind == store.KindPolicy {
			fmt.Fprintf(&b, "  type       %s\n", a.FilterType)
			fmt.Fprintf(&b, "  mode       %s\n", a.Mode)
		}
		fmt.Fprintf(&b, "  source     %s\n", a.Source)
		fmt.Fprintf(&b, "  created_at %s\n", a.CreatedAt.Format(timeLayout))
		if a.Generation != 0 {
			fmt.Fprintf(&b, "  generation %d\n", a.Generation)
		}
		if a.Error != "" {
			fmt.Fprintf(&b, "  error      %s\n", a.Error)
		}
		writeIdentity(&b, a.Identity)
		writeFindings(&b, a.Findings)
		if showDocument {
			b.WriteString("\n  DOCUMENT\n")
			b.WriteString(resp.Document)
			if !strings.HasSuffix(resp.Document, "\n") {
				b.WriteString("\n")
			}
		}
		return b.String()
	})
}

// FormatAdminConfig formats the admin configuration in effect.
func FormatAdminConfig(resp api.AdminConfigResponse, flags *OutputFlags) (string, error) {
	return render(resp, flags, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "ADMIN CONFIG  generation %d  activated %s\n", resp.Generation, resp.ActivatedAt.Format(timeLayout))
		writeAdminConfig(&b, resp.Config)
		return b.String()
	})
}

// FormatAdminReload formats the result of an admin config reload.
func FormatAdminReload(resp api.ReloadAdminConfigResponse, flags *OutputFlags) (string, error) {
	return render(resp, flags, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "RELOADED  generation %d  %d problem(s)\n", resp.Generation, len(resp.Problems))
		fmt.Fprintf(&b, "  activation %s\n", resp.ActivationID)
		for _, p := range resp.Problems {
			fmt.Fprintf(&b, "  problem    %s\n", p)
		}
		writeAdminConfig(&b, resp.Config)
		return b.String()
	})
}

// AdminFlag is one admin flag and, when set, its raw value.
type AdminFlag struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	Set   bool   `json:"set"`
}

// FormatAdminFlags formats the admin flag table.
func FormatAdminFlags(flagList []AdminFlag, flags *OutputFlags) (string, error) {
	return render(flagList, flags, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "%-52s  %s\n", "FLAG", "VALUE")
		for _, f := range flagList {
			value := "-"
			if f.Set {
				value = f.Value
			}
			fmt.Fprintf(&b, "%-52s  %s\n", f.Name, value)
		}
		return b.String()
	})
}

// ObserverResult is the outcome of validating an observer probe
// configuration.
type ObserverResult struct {
	Valid    bool                            `json:"valid"`
	Findings []store.FindingRecord           `json:"findings"`
	Option   *security.ObserverNetworkOption `json:"option,omitempty"`
}

// FormatObserver formats an observer validation result.
func FormatObserver(res ObserverResult, flags *OutputFlags) (string, error) {
	return render(res, flags, func() string {
		var b strings.Builder
		if !res.Valid {
			fmt.Fprintf(&b, "INVALID  %s\n", findingSummary(res.Findings))
			writeFindings(&b, res.Findings)
			return b.String()
		}
		o := res.Option
		fmt.Fprintf(&b, "VALID  %s\n", findingSummary(res.Findings))
		fmt.Fprintf(&b, "  meter_handler       %s\n", dash(o.MeterHandlerType))
		fmt.Fprintf(&b, "  span_handler        %s\n", dash(o.SpanHandlerType))
		fmt.Fprintf(&b, "  protocols           %s\n", dash(strings.Join(o.EnableProtocols, ",")))
		fmt.Fprintf(&b, "  protocol_parse      %t\n", !o.DisableProtocolParse)
		fmt.Fprintf(&b, "  conn_stats          %t\n", !o.DisableConnStats)
		fmt.Fprintf(&b, "  conn_tracker_dump   %t\n", o.EnableConnTrackerDump)
		writeFindings(&b, res.Findings)
		return b.String()
	})
}

func findingSummary(findings []store.FindingRecord) string {
	fatal := lo.CountBy(findings, func(f store.FindingRecord) bool {
		return f.Severity == diag.SeverityFatal.String()
	})
	return fmt.Sprintf("%d fatal, %d warning(s)", fatal, len(findings)-fatal)
}

func writeFindings(b *strings.Builder, findings []store.FindingRecord) {
	if len(findings) == 0 {
		return
	}
	b.WriteString("\n  FINDINGS\n")
	fmt.Fprintf(b, "  %-8s  %-24s  %-4s  %s\n", "SEVERITY", "KIND", "RULE", "MESSAGE")
	for _, f := range findings {
		rule := "-"
		if f.Rule >= 0 {
			rule = fmt.Sprint(f.Rule)
		}
		msg := f.Message
		if f.Path != "" {
			msg = f.Path + ": " + msg
		}
		fmt.Fprintf(b, "  %-8s  %-24s  %-4s  %s\n", f.Severity, f.Kind, rule, msg)
	}
}

func writeIdentity(b *strings.Builder, id diag.Identity) {
	fields := lo.Filter([][2]string{
		{"plugin", id.Plugin},
		{"config", id.ConfigName},
		{"project", id.Project},
		{"logstore", id.Logstore},
		{"region", id.Region},
	}, func(kv [2]string, _ int) bool { return kv[1] != "" })
	for _, kv := range fields {
		fmt.Fprintf(b, "  %-12s %s\n", kv[0], kv[1])
	}
}

func writeAdminConfig(b *strings.Builder, c ebpfconfig.Config) {
	fmt.Fprintf(b, "  receive_event_chan_cap     %d\n", c.ReceiveEventChanCap)
	fmt.Fprintf(b, "  admin.debug_mode           %t\n", c.Admin.DebugMode)
	fmt.Fprintf(b, "  admin.log_level            %s\n", c.Admin.LogLevel)
	fmt.Fprintf(b, "  admin.push_all_span        %t\n", c.Admin.PushAllSpan)
	fmt.Fprintf(b, "  aggregation.window_second  %d\n", c.Aggregation.AggWindowSecond)
	fmt.Fprintf(b, "  coverage.strategy          %s\n", c.Coverage.Strategy)
	fmt.Fprintf(b, "  sample.strategy            %s\n", c.Sample.Strategy)
	fmt.Fprintf(b, "  sample.rate                %g\n", c.Sample.Rate)
	fmt.Fprintf(b, "  socket.slow_request_ms     %d\n", c.SocketProbe.SlowRequestThresholdMs)
	fmt.Fprintf(b, "  socket.max_conn_trackers   %d\n", c.SocketProbe.MaxConnTrackers)
	fmt.Fprintf(b, "  socket.max_bandwidth_mbps  %d\n", c.SocketProbe.MaxBandWidthMbPerSec)
	fmt.Fprintf(b, "  socket.max_raw_records     %d\n", c.SocketProbe.MaxRawRecordPerSec)
	fmt.Fprintf(b, "  profile.sample_rate        %d\n", c.ProfileProbe.ProfileSampleRate)
	fmt.Fprintf(b, "  profile.upload_duration    %d\n", c.ProfileProbe.ProfileUploadDuration)
	fmt.Fprintf(b, "  process.enable_oom_detect  %t\n", c.ProcessProbe.EnableOOMDetect)
}

func filterTypeColumn(a store.Activation) string {
	if a.Kind != store.KindPolicy {
		return "-"
	}
	return a.FilterType.String()
}

func resultColumn(accepted bool) string {
	return lo.Ternary(accepted, "accepted", "rejected")
}

func generationColumn(gen uint64) string {
	if gen == 0 {
		return "-"
	}
	return fmt.Sprint(gen)
}

func dash(s string) string {
	return lo.Ternary(s == "", "-", s)
}
