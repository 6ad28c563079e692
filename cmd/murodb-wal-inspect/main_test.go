package main

import (
	"encoding/json"
	"testing"

	"github.com/murodb/murodb/internal/storage"
)

func TestExitCodeFor_CleanReportIsOK(t *testing.T) {
	report := storage.RecoveryReport{Applied: []storage.TxID{1, 2}}
	if got := exitCodeFor(report); got != exitOK {
		t.Fatalf("exitCodeFor = %d, want exitOK (%d)", got, exitOK)
	}
}

func TestExitCodeFor_SkippedRecordsAreMalformed(t *testing.T) {
	report := storage.RecoveryReport{
		Skipped: []storage.SkipEvent{{TxID: 1, Tag: storage.TagCommit, Code: storage.SkipCommitBeforeBegin}},
	}
	if got := exitCodeFor(report); got != exitMalformedDetected {
		t.Fatalf("exitCodeFor = %d, want exitMalformedDetected (%d)", got, exitMalformedDetected)
	}
}

func TestBuildSuccessJSON_CleanReport(t *testing.T) {
	report := storage.RecoveryReport{
		Applied: []storage.TxID{1, 2, 3},
		MaxLSN:  3,
	}
	raw := buildSuccessJSON("strict", "/tmp/db.murodb.wal", report)

	var out jsonReport
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "ok" {
		t.Fatalf("status = %q, want ok", out.Status)
	}
	if out.ExitCode != exitOK {
		t.Fatalf("exit code = %d, want %d", out.ExitCode, exitOK)
	}
	if len(out.AppliedTxids) != 3 {
		t.Fatalf("applied txids = %v, want 3 entries", out.AppliedTxids)
	}
	if out.MaxLSN != 3 {
		t.Fatalf("max lsn = %d, want 3", out.MaxLSN)
	}
	if len(out.Skipped) != 0 {
		t.Fatalf("skipped = %v, want none", out.Skipped)
	}
	if out.FatalError != nil {
		t.Fatalf("fatal error = %v, want nil", out.FatalError)
	}
}

func TestBuildSuccessJSON_SkippedRecordsReportWarningStatus(t *testing.T) {
	report := storage.RecoveryReport{
		Applied: []storage.TxID{1},
		Skipped: []storage.SkipEvent{
			{LSN: 5, TxID: 2, Tag: storage.TagCommit, Code: storage.SkipCommitLsnMismatch},
		},
		MaxLSN: 5,
	}
	raw := buildSuccessJSON("permissive", "/tmp/db.murodb.wal", report)

	var out jsonReport
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "warning" {
		t.Fatalf("status = %q, want warning", out.Status)
	}
	if out.ExitCode != exitMalformedDetected {
		t.Fatalf("exit code = %d, want %d", out.ExitCode, exitMalformedDetected)
	}
	if len(out.Skipped) != 1 {
		t.Fatalf("skipped = %v, want 1 entry", out.Skipped)
	}
	if out.Skipped[0].Code != "COMMIT_LSN_MISMATCH" {
		t.Fatalf("skipped[0].Code = %q, want COMMIT_LSN_MISMATCH", out.Skipped[0].Code)
	}
	if out.Skipped[0].Txid != 2 {
		t.Fatalf("skipped[0].Txid = %d, want 2", out.Skipped[0].Txid)
	}
}

func TestBuildFatalJSON_ReportsFatalStatusAndCode(t *testing.T) {
	raw := buildFatalJSON("strict", "/tmp/db.murodb.wal", fatalDeriveKey, "bad salt length")

	var out jsonReport
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "fatal" {
		t.Fatalf("status = %q, want fatal", out.Status)
	}
	if out.ExitCode != exitFatalError {
		t.Fatalf("exit code = %d, want %d", out.ExitCode, exitFatalError)
	}
	if out.FatalErrorCode == nil || *out.FatalErrorCode != string(fatalDeriveKey) {
		t.Fatalf("fatal error code = %v, want %q", out.FatalErrorCode, fatalDeriveKey)
	}
	if out.FatalError == nil || *out.FatalError != "bad salt length" {
		t.Fatalf("fatal error = %v, want %q", out.FatalError, "bad salt length")
	}
	if out.AppliedTxids == nil || len(out.AppliedTxids) != 0 {
		t.Fatalf("applied txids = %v, want empty non-nil slice", out.AppliedTxids)
	}
}

func TestSkipReason_IncludesTagLSNAndCode(t *testing.T) {
	ev := storage.SkipEvent{LSN: 7, TxID: 9, Tag: storage.TagPagePut, Code: storage.SkipPagePutBeforeBegin}
	got := skipReason(ev)
	want := "PagePut record at lsn 7 rejected: PagePutBeforeBegin"
	if got != want {
		t.Fatalf("skipReason = %q, want %q", got, want)
	}
}

func TestStrPtr_ReturnsAddressableCopy(t *testing.T) {
	p := strPtr("x")
	if p == nil || *p != "x" {
		t.Fatalf("strPtr(%q) = %v", "x", p)
	}
}
