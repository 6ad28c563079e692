// Command murodb-wal-inspect scans a MuroDB WAL file for structurally
// invalid transaction record sequences without mutating the database it
// belongs to. It reports a machine-readable summary (text or JSON) and
// exits 0 when the log is clean, 10 when malformed records were found
// and skipped, or 20 on a fatal error that prevented inspection from
// running at all.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/murodb/murodb/internal/storage"
)

const (
	exitOK                = 0
	exitMalformedDetected = 10
	exitFatalError        = 20
)

type fatalKind string

const (
	fatalReadSalt      fatalKind = "READ_SALT_FAILED"
	fatalDeriveKey     fatalKind = "DERIVE_KEY_FAILED"
	fatalInspectFailed fatalKind = "INSPECT_FAILED"
)

func main() {
	var (
		walPath      string
		password     string
		recoveryMode string
		format       string
	)
	fs := flag.NewFlagSet("murodb-wal-inspect", flag.ExitOnError)
	fs.StringVar(&walPath, "wal", "", "path to the WAL file (or a quarantined copy)")
	fs.StringVar(&password, "password", "", "database password (if omitted, will prompt)")
	fs.StringVar(&recoveryMode, "recovery-mode", "strict", "strict|permissive")
	fs.StringVar(&format, "format", "text", "text|json")
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 || walPath == "" {
		fmt.Fprintln(os.Stderr, "usage: murodb-wal-inspect --wal PATH [--password PW] [--recovery-mode strict|permissive] [--format text|json] DB_PATH")
		os.Exit(exitFatalError)
	}
	dbPath := fs.Arg(0)

	mode := strings.ToLower(recoveryMode)
	if mode != "strict" && mode != "permissive" {
		fmt.Fprintf(os.Stderr, "ERROR: unknown recovery mode %q\n", recoveryMode)
		os.Exit(exitFatalError)
	}

	info, err := storage.ReadEncryptionInfo(dbPath)
	if err != nil {
		fatalAndExit(format, mode, walPath, fatalReadSalt, fmt.Sprintf("failed to read db encryption info: %v", err))
	}

	if password == "" {
		password = promptPassword()
	}
	key := storage.DeriveMasterKey(password, info.Salt)
	cipher := storage.NewAEADCipher(key)

	report, err := storage.InspectWAL(walPath, cipher)
	if err != nil {
		fatalAndExit(format, mode, walPath, fatalInspectFailed, fmt.Sprintf("wal inspection failed: %v", err))
	}

	emitReport(format, mode, walPath, report)
	os.Exit(exitCodeFor(report))
}

func promptPassword() string {
	out := colorable.NewColorable(os.Stderr)
	fmt.Fprint(out, "Password: ")
	if isatty.IsTerminal(os.Stdin.Fd()) {
		buf, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: failed to read password: %v\n", err)
			os.Exit(exitFatalError)
		}
		return string(buf)
	}
	var line string
	fmt.Fscanln(os.Stdin, &line)
	return line
}

func exitCodeFor(report storage.RecoveryReport) int {
	if len(report.Skipped) == 0 {
		return exitOK
	}
	return exitMalformedDetected
}

func fatalAndExit(format, mode, walPath string, kind fatalKind, msg string) {
	switch format {
	case "json":
		fmt.Println(buildFatalJSON(mode, walPath, kind, msg))
	default:
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	}
	os.Exit(exitFatalError)
}

func emitReport(format, mode, walPath string, report storage.RecoveryReport) {
	switch format {
	case "json":
		fmt.Println(buildSuccessJSON(mode, walPath, report))
	default:
		fmt.Println("WAL inspection summary:")
		fmt.Printf("  applied txs: %d\n", len(report.Applied))
		fmt.Printf("  max lsn seen: %d\n", report.MaxLSN)
		fmt.Printf("  skipped malformed records: %d\n", len(report.Skipped))
		for _, ev := range report.Skipped {
			fmt.Printf("  - txid %d [%s]: %s\n", ev.TxID, ev.Code.Code(), skipReason(ev))
		}
	}
}

func skipReason(ev storage.SkipEvent) string {
	return fmt.Sprintf("%s record at lsn %d rejected: %s", ev.Tag, ev.LSN, ev.Code)
}

// jsonSkip mirrors the wire shape the original inspection tool emits
// per skipped record.
type jsonSkip struct {
	Txid   uint64 `json:"txid"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type jsonReport struct {
	SchemaVersion     int        `json:"schema_version"`
	Mode              string     `json:"mode"`
	WalPath           string     `json:"wal_path"`
	GeneratedAt       int64      `json:"generated_at"`
	AppliedTxids      []uint64   `json:"applied_txids"`
	MaxLSN            uint64     `json:"max_lsn"`
	Skipped           []jsonSkip `json:"skipped"`
	WalQuarantinePath *string    `json:"wal_quarantine_path"`
	Status            string     `json:"status"`
	FatalError        *string    `json:"fatal_error"`
	FatalErrorCode    *string    `json:"fatal_error_code"`
	ExitCode          int        `json:"exit_code"`
}

func buildSuccessJSON(mode, walPath string, report storage.RecoveryReport) string {
	applied := make([]uint64, len(report.Applied))
	for i, id := range report.Applied {
		applied[i] = uint64(id)
	}
	skipped := make([]jsonSkip, len(report.Skipped))
	for i, ev := range report.Skipped {
		skipped[i] = jsonSkip{Txid: uint64(ev.TxID), Code: ev.Code.Code(), Reason: skipReason(ev)}
	}
	status := "ok"
	if len(report.Skipped) > 0 {
		status = "warning"
	}
	out := jsonReport{
		SchemaVersion: 1,
		Mode:          mode,
		WalPath:       walPath,
		GeneratedAt:   time.Now().Unix(),
		AppliedTxids:  applied,
		MaxLSN:        report.MaxLSN,
		Skipped:       skipped,
		Status:        status,
		ExitCode:      exitCodeFor(report),
	}
	buf, _ := json.Marshal(out)
	return string(buf)
}

func buildFatalJSON(mode, walPath string, kind fatalKind, msg string) string {
	code := string(kind)
	out := jsonReport{
		SchemaVersion:  1,
		Mode:           mode,
		WalPath:        walPath,
		GeneratedAt:    time.Now().Unix(),
		AppliedTxids:   []uint64{},
		Skipped:        []jsonSkip{},
		Status:         "fatal",
		FatalError:     strPtr(msg),
		FatalErrorCode: &code,
		ExitCode:       exitFatalError,
	}
	buf, _ := json.Marshal(out)
	return string(buf)
}

func strPtr(s string) *string { return &s }
