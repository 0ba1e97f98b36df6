// Package doctor runs local diagnostics over the panel's persisted state:
// settings, the client store, the event journal, and the stored specs
// themselves.
package doctor

import (
	"fmt"
	"sort"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/events"
	"github.com/mstiles/tunnelpanel/internal/store"
	"github.com/mstiles/tunnelpanel/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes local diagnostics for tunnelpanel operations.
func Run() (Report, error) {
	var issues []Issue

	settings, err := appconfig.Load()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "settings",
			Target:         "settings.yaml",
			Message:        err.Error(),
			Recommendation: "fix or remove the malformed settings file; defaults are recreated on next run",
		})
	}

	st, err := store.Open()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "client-store",
			Target:         "clients.json",
			Message:        err.Error(),
			Recommendation: "repair or remove the client store file",
		})
	} else {
		issues = append(issues, specIssues(st)...)
	}

	if settings.LogDir != "" {
		if j, err := events.Open(settings.LogDir); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "event-journal",
				Target:         settings.LogDir,
				Message:        err.Error(),
				Recommendation: "ensure the log directory is writable or point log_dir elsewhere",
			})
		} else {
			_ = j.Close()
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		return issues[i].Target < issues[j].Target
	})
	return Report{Issues: issues}, nil
}

func specIssues(st *store.Store) []Issue {
	var issues []Issue
	byAddr := map[string][]string{}
	for _, spec := range st.List() {
		if err := util.ValidateAddr(spec.Addr); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "spec-address",
				Target:         spec.Name,
				Message:        err.Error(),
				Recommendation: "update the client with a valid endpoint address",
			})
		}
		if spec.Key == "" {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "spec-key",
				Target:         spec.Name,
				Message:        "client has an empty auth key",
				Recommendation: "set a key; the server will reject the handshake without one",
			})
		}
		byAddr[spec.Addr] = append(byAddr[spec.Addr], spec.Name)
	}
	for addr, names := range byAddr {
		if len(names) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "duplicate-endpoint",
			Target:         addr,
			Message:        fmt.Sprintf("%d clients share this endpoint", len(names)),
			Recommendation: "verify the duplicated endpoint is intentional",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
