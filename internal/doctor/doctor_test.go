package doctor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/model"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TUNNELPANEL_CONFIG_DIR", "")
	t.Setenv("TUNNELPANEL_LOG_DIR", "")
}

// writeClients drops a raw clients.json, bypassing store validation, so
// the diagnostics have something broken to find.
func writeClients(t *testing.T, specs []model.ClientSpec) {
	t.Helper()
	path, err := appconfig.ClientsFilePath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(specs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRunCleanState(t *testing.T) {
	isolate(t)

	report, err := Run()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("fresh state must be clean, got %+v", report.Issues)
	}
}

func TestRunFindsBrokenSpecs(t *testing.T) {
	isolate(t)
	writeClients(t, []model.ClientSpec{
		{Name: "bad-addr", Addr: "no-port", Key: "k"},
		{Name: "no-key", Addr: "a.example.com:8024", Key: ""},
		{Name: "twin-a", Addr: "shared.example.com:8024", Key: "k"},
		{Name: "twin-b", Addr: "shared.example.com:8024", Key: "k"},
	})

	report, err := Run()
	if err != nil {
		t.Fatal(err)
	}

	byCheck := map[string][]Issue{}
	for _, issue := range report.Issues {
		byCheck[issue.Check] = append(byCheck[issue.Check], issue)
	}
	if len(byCheck["spec-address"]) != 1 || byCheck["spec-address"][0].Target != "bad-addr" {
		t.Fatalf("spec-address issues: %+v", byCheck["spec-address"])
	}
	if len(byCheck["spec-key"]) != 1 || byCheck["spec-key"][0].Target != "no-key" {
		t.Fatalf("spec-key issues: %+v", byCheck["spec-key"])
	}
	if len(byCheck["duplicate-endpoint"]) != 1 {
		t.Fatalf("duplicate-endpoint issues: %+v", byCheck["duplicate-endpoint"])
	}

	// High severity sorts ahead of low.
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("expected high severity first, got %s", report.Issues[0].Severity)
	}
	if report.Issues[len(report.Issues)-1].Severity != SeverityLow {
		t.Fatalf("expected low severity last, got %s", report.Issues[len(report.Issues)-1].Severity)
	}
}

func TestRunFindsCorruptStore(t *testing.T) {
	isolate(t)

	path, err := appconfig.ClientsFilePath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{corrupt"), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := Run()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "client-store" && issue.Severity == SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a client-store issue, got %+v", report.Issues)
	}
}
