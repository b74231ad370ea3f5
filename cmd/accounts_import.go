package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/faceid/internal/identity"
)

const maxImportLine = 32 << 20

var accountsImportCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk enrol accounts from a JSON-lines file",
	Long: `Bulk enrol accounts from a JSON-lines file, one account per line:

  {"username": "alice", "password": "optional", "privileged": false, "vectors": [[...512 floats...]]}

Lines that fail validation or hit a taken username are reported and skipped.
A storage failure stops the import. Use "-" to read from stdin.

Examples:
  faceid accounts import people.jsonl
  faceid accounts import people.jsonl --concurrency 8 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsImport,
}

func init() {
	accountsCmd.AddCommand(accountsImportCmd)

	accountsImportCmd.Flags().Int("concurrency", 4, "Number of parallel workers")
	accountsImportCmd.Flags().Int("bcrypt-cost", 0, "bcrypt cost for imported passwords (0 = library default)")
	accountsImportCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// importRecord is one line of an import file.
type importRecord struct {
	Line       int         `json:"-"`
	Username   string      `json:"username"`
	Password   string      `json:"password"`
	Privileged bool        `json:"privileged"`
	Vectors    [][]float32 `json:"vectors"`
}

// ImportFailure describes a skipped line.
type ImportFailure struct {
	Line     int    `json:"line"`
	Username string `json:"username"`
	Error    string `json:"error"`
}

// ImportResult summarizes an import run.
type ImportResult struct {
	Imported      int             `json:"imported"`
	Failed        []ImportFailure `json:"failed"`
	DurationMs    int64           `json:"duration_ms"`
	DurationHuman string          `json:"duration_human,omitempty"`
}

// enroller is the part of the account service an import needs.
type enroller interface {
	Enroll(ctx context.Context, username, password string, vectors [][]float32, privileged bool) error
}

type serviceEnroller struct{ svc *identity.AccountService }

func (e serviceEnroller) Enroll(ctx context.Context, username, password string, vectors [][]float32, privileged bool) error {
	_, err := e.svc.Enroll(ctx, username, password, vectors, privileged)
	return err
}

// readImportRecords parses a JSON-lines stream. Blank lines are skipped.
func readImportRecords(r io.Reader) ([]importRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)

	var records []importRecord
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var rec importRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Line = line
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading import file: %w", err)
	}
	return records, nil
}

// importAccounts enrols records with bounded concurrency. Per-record
// rejections are collected; a storage failure cancels the rest and is
// returned.
func importAccounts(
	ctx context.Context, svc enroller, records []importRecord, concurrency int, bar *progressbar.ProgressBar,
) (ImportResult, error) {
	var (
		mu     sync.Mutex
		result ImportResult
	)
	result.Failed = []ImportFailure{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	for _, rec := range records {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := svc.Enroll(ctx, rec.Username, rec.Password, rec.Vectors, rec.Privileged)
			if bar != nil {
				bar.Add(1)
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result.Imported++
				return nil
			}
			kind := identity.KindOf(err)
			if kind == identity.KindStorage || kind == identity.KindInternal {
				return fmt.Errorf("line %d (%s): %w", rec.Line, rec.Username, err)
			}
			result.Failed = append(result.Failed, ImportFailure{
				Line:     rec.Line,
				Username: rec.Username,
				Error:    string(kind),
			})
			return nil
		})
	}

	err := g.Wait()
	return result, err
}

func runAccountsImport(cmd *cobra.Command, args []string) error {
	concurrency := mustGetInt(cmd, "concurrency")
	jsonOutput := mustGetBool(cmd, "json")
	startTime := time.Now()

	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening import file: %w", err)
		}
		defer f.Close()
		in = f
	}
	records, err := readImportRecords(in)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, closeStore, err := openAccountService(ctx, mustGetInt(cmd, "bcrypt-cost"))
	if err != nil {
		return err
	}
	defer closeStore()

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(records),
			progressbar.OptionSetDescription("Enrolling accounts"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("accounts"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	result, importErr := importAccounts(ctx, serviceEnroller{svc: svc}, records, concurrency, bar)
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}
	result.DurationMs = time.Since(startTime).Milliseconds()

	if jsonOutput {
		if err := outputJSON(result); err != nil {
			return err
		}
	} else {
		result.DurationHuman = time.Since(startTime).Round(time.Millisecond).String()
		fmt.Printf("Imported %d of %d accounts in %s\n", result.Imported, len(records), result.DurationHuman)
		for _, f := range result.Failed {
			fmt.Printf("  line %d (%s): %s\n", f.Line, f.Username, identity.Message(identity.Kind(f.Error)))
		}
	}
	if importErr != nil {
		return fmt.Errorf("import aborted: %w", importErr)
	}
	return nil
}
