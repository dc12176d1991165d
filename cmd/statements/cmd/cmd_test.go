package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

const (
	januaryCSV = "date,counterparty,amount,purpose\n" +
		"2024-01-05,ACME Corp,-150.00,Invoice 17\n" +
		"2024-01-07,Globex,-20.00,Lunch\n" +
		"2024-01-09,Initech,300.00,Refund\n"

	januaryCopyCSV = "Date;Payee;Amount;Details\n" +
		"05.01.2024;ACME Corp;-150,00;Invoice 17\n" +
		"05.01.2024;ACME Corp.;-150,00;Invoice 17\n" +
		"20.02.2024;Umbrella;-45,00;Fees\n"
)

func TestValidateFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	validFile := filepath.Join(tmpDir, "valid.csv")
	if err := os.WriteFile(validFile, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	tests := []struct {
		name        string
		filePath    string
		expectError bool
	}{
		{"valid file", validFile, false},
		{"empty path", "", true},
		{"non-existent file", "/non/existent/file.csv", true},
		{"directory instead of file", tmpDir, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFileExists(tt.filePath, "test file")

			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateMarkFlags(t *testing.T) {
	groupsFile := filepath.Join(t.TempDir(), "groups.json")
	if err := os.WriteFile(groupsFile, []byte("[]"), 0644); err != nil {
		t.Fatalf("failed to create groups file: %v", err)
	}

	tests := []struct {
		name        string
		master      string
		duplicates  []string
		groupsFile  string
		expectError bool
	}{
		{"single group", "tx-1", []string{"tx-2"}, "", false},
		{"groups file", "", nil, groupsFile, false},
		{"nothing given", "", nil, "", true},
		{"master without duplicates", "tx-1", nil, "", true},
		{"duplicates without master", "", []string{"tx-2"}, "", true},
		{"both forms", "tx-1", []string{"tx-2"}, groupsFile, true},
		{"missing groups file", "", nil, groupsFile + ".missing", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			markMaster, markDuplicates, markGroupsFile = tt.master, tt.duplicates, tt.groupsFile
			defer func() { markMaster, markDuplicates, markGroupsFile = "", nil, "" }()

			err := validateMarkFlags(markCmd, nil)
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseMarkGroups(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		want        []models.MarkGroup
		expectError bool
	}{
		{
			name: "group list",
			data: `[{"masterId":"a","duplicateIds":["b","c"]}]`,
			want: []models.MarkGroup{{MasterID: "a", DuplicateIDs: []string{"b", "c"}}},
		},
		{
			name: "detect report",
			data: `{"threshold":0.85,"groups":[{"master":{"id":"a"},"members":[{"transaction":{"id":"b"},"similarity":1,"matchType":"exact"}]}]}`,
			want: []models.MarkGroup{{MasterID: "a", DuplicateIDs: []string{"b"}}},
		},
		{
			name:        "report without master",
			data:        `{"groups":[{"members":[]}]}`,
			expectError: true,
		},
		{
			name:        "not json",
			data:        `master=a`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMarkGroups([]byte(tt.data))
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("parseMarkGroups() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleErrorExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		exitCode int
		contains string
	}{
		{"nil", nil, 0, ""},
		{"validation", errors.ValidationError(errors.CodeMissingField, "scope", nil, nil), 3, "Validation error help"},
		{"conflict", errors.ConflictError(errors.CodeAlreadyExists, "statement", "hash").WithContext("existing_id", "s-1"), 5, "existing_id: s-1"},
		{"not found", errors.NotFoundError("statement", "s-9"), 6, "Not found help"},
		{"configuration", errors.ConfigurationError(errors.CodeInvalidConfig, "database.driver", "oracle", nil), 4, "STATEMENTS_"},
		{"missing file", &os.PathError{Op: "open", Path: "x.csv", Err: os.ErrNotExist}, 2, "File not found"},
		{"interrupted", context.Canceled, 130, "Interrupted"},
		{"generic", fmt.Errorf("boom"), 1, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			h := &CLIErrorHandler{logger: logger.Discard(), out: &out}

			if got := h.HandleError(tt.err); got != tt.exitCode {
				t.Errorf("HandleError() = %d, want %d", got, tt.exitCode)
			}
			if tt.contains != "" && !strings.Contains(out.String(), tt.contains) {
				t.Errorf("output missing %q:\n%s", tt.contains, out.String())
			}
		})
	}
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STATEMENTS_DATABASE_DSN", filepath.Join(dir, "statements.db"))
	t.Setenv("STATEMENTS_STORAGE_ROOT", filepath.Join(dir, "files"))
	t.Setenv("STATEMENTS_AUDIT_SINK", "none")
	t.Setenv("STATEMENTS_LOGGING_LEVEL", "error")

	january := writeFile(t, dir, "january.csv", januaryCSV)
	januaryCopy := writeFile(t, dir, "january-copy.csv", januaryCopyCSV)

	submitted := filepath.Join(dir, "submitted.json")
	runCLI(t, "submit", january, "--workspace", "acme", "--output-format", "json", "--output-file", submitted)

	var stmt struct {
		Statement models.StatementWithTransactions `json:"statement"`
	}
	readJSON(t, submitted, &stmt)
	if stmt.Statement.Statement.Status != models.StatusParsed {
		t.Fatalf("status = %s, want parsed", stmt.Statement.Statement.Status)
	}
	if len(stmt.Statement.Transactions) != 3 {
		t.Fatalf("transactions = %d, want 3", len(stmt.Statement.Transactions))
	}

	runCLI(t, "submit", januaryCopy, "--workspace", "acme")

	err := executeCLI("submit", january, "--name", "renamed.csv", "--workspace", "acme")
	if !errors.HasCode(err, errors.CodeAlreadyExists) {
		t.Fatalf("resubmitting identical content: got %v, want already_exists", err)
	}

	groupsFile := filepath.Join(dir, "groups.json")
	runCLI(t, "detect", "--workspace", "acme", "--threshold", "0.85", "--output-format", "json", "--output-file", groupsFile)

	var groups struct {
		Groups []models.DuplicateGroup `json:"groups"`
	}
	readJSON(t, groupsFile, &groups)
	if len(groups.Groups) != 1 || len(groups.Groups[0].Members) != 2 {
		t.Fatalf("expected one group with two duplicates, got %+v", groups.Groups)
	}

	runCLI(t, "mark", "--workspace", "acme", "--groups-file", groupsFile)
	// marking the same group again succeeds
	runCLI(t, "mark", "--workspace", "acme", "--groups-file", groupsFile, "--output-file", filepath.Join(dir, "mark.txt"))

	// a duplicate cannot become a master
	group := groups.Groups[0]
	swapped, _ := json.Marshal([]models.MarkGroup{{
		MasterID:     group.Members[0].Transaction.ID,
		DuplicateIDs: []string{group.Master.ID},
	}})
	swappedFile := writeFile(t, dir, "swapped.json", string(swapped))
	err = executeCLI("mark", "--workspace", "acme", "--groups-file", swappedFile, "--output-file", filepath.Join(dir, "mark-swapped.txt"))
	if !errors.HasCode(err, errors.CodeAlreadyGrouped) {
		t.Fatalf("swapped mark: got %v, want already_grouped", err)
	}

	// other scopes see nothing
	listFile := filepath.Join(dir, "list.csv")
	runCLI(t, "list", "--workspace", "globex", "--output-format", "csv", "--output-file", listFile)
	data, readErr := os.ReadFile(listFile)
	if readErr != nil {
		t.Fatalf("read list: %v", readErr)
	}
	if lines := strings.Count(strings.TrimSpace(string(data)), "\n"); lines != 0 {
		t.Errorf("expected only the header for another scope, got:\n%s", data)
	}

	id := stmt.Statement.Statement.ID
	if err := executeCLI("get", id, "--workspace", "globex"); !errors.IsCategory(err, errors.CategoryNotFound) {
		t.Errorf("get from another scope: got %v, want not found", err)
	}

	runCLI(t, "reprocess", id, "--workspace", "acme", "--output-file", filepath.Join(dir, "reprocess.txt"))
	runCLI(t, "delete", id, "--workspace", "acme")
	if err := executeCLI("delete", id, "--workspace", "acme"); !errors.IsCategory(err, errors.CategoryNotFound) {
		t.Errorf("second delete: got %v, want not found", err)
	}

	runCLI(t, "sweep")
}

func TestCommandsRequireScope(t *testing.T) {
	t.Setenv("STATEMENTS_WORKSPACE", "")
	t.Setenv("STATEMENTS_OWNER", "")

	err := executeCLI("list", "--workspace", "", "--owner", "")
	if !errors.IsCategory(err, errors.CategoryValidation) {
		t.Errorf("expected validation error without scope, got %v", err)
	}
}

// executeCLI runs the root command with args after resetting flag variables
func executeCLI(args ...string) error {
	outputFile, outputFormat, logLevel, cfgFile = "", "console", "", ""
	submitType, submitName = "", ""
	markMaster, markGroupsFile = "", ""
	sweepLoop = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func runCLI(t *testing.T, args ...string) {
	t.Helper()
	if err := executeCLI(args...); err != nil {
		t.Fatalf("statements %s: %v", strings.Join(args, " "), errors.Describe(err))
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func readJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v\n%s", path, err, data)
	}
}
