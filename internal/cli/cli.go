// ============================================================================
// Assignment Scheduler CLI
// ============================================================================
//
// 命令結構：
//   scheduler
//   ├── run                      啟動排程器（gRPC + metrics）
//   ├── import -f directory.json 匯入單位與人員
//   ├── submit                   送出工作項目
//   ├── complete / cancel / start / reassign / withdraw
//   ├── comment / escalate
//   ├── events / queue / status
//   ├── dispatch <unit>          手動觸發 dispatch
//   └── journal dump|verify      離線檢查稽核日誌
//
// run 讀取 --config 指定的 YAML，SCHEDULER_* 環境變數覆寫其中的部署設定。
// 其餘命令透過 gRPC 連到 --addr，並以 --actor 作為呼叫者身分。
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/internal/audit/journal"
	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/server"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// globals 所有命令共用的旗標
type globals struct {
	configFile string
	addr       string
	actor      string
	timeout    time.Duration
}

func BuildCLI() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Assignment queue and capacity scheduler",
		Long: `scheduler assigns work items to staff under per-person and per-unit WIP limits:
- FIFO queue per unit with priority ordering
- SLA deadlines with escalation and cooldown
- Per-actor rate limiting
- Append-only audit trail`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "configs/scheduler.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&g.addr, "addr", envOr("SCHEDULER_ADDR", "localhost:50051"), "scheduler gRPC address")
	rootCmd.PersistentFlags().StringVar(&g.actor, "actor", envOr("SCHEDULER_ACTOR", os.Getenv("USER")), "acting user id")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "RPC timeout")

	rootCmd.AddCommand(
		buildRunCommand(g),
		buildImportCommand(g),
		buildSubmitCommand(g),
		buildCompleteCommand(g),
		buildCancelCommand(g),
		buildStartCommand(g),
		buildReassignCommand(g),
		buildWithdrawCommand(g),
		buildCommentCommand(g),
		buildEscalateCommand(g),
		buildEventsCommand(g),
		buildQueueCommand(g),
		buildStatusCommand(g),
		buildDispatchCommand(g),
		buildJournalCommand(),
	)
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildRunCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler with gRPC and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSystem(ctx, cfg)
		},
	}
}

// withClient 連線並執行 fn；連線在 fn 結束後關閉
func (g *globals) withClient(cmd *cobra.Command, fn func(ctx context.Context, cl *server.Client) error) error {
	conn, err := grpc.NewClient(g.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", g.addr, err)
	}
	defer func() { _ = conn.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn, g.actor))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeError 附上錯誤碼與 retry_after，方便腳本判斷
func describeError(err error) error {
	code := server.ErrorCode(err)
	if code == "" {
		return err
	}
	if secs, ok := server.RetryAfter(err); ok {
		return fmt.Errorf("%s (retry after %ds): %w", code, secs, err)
	}
	return fmt.Errorf("%s: %w", code, err)
}

// ----------------------------------------------------------------------------
// 目錄匯入
// ----------------------------------------------------------------------------

// Directory is the import file format.
type Directory struct {
	Units []types.Unit         `json:"units"`
	Staff []types.StaffProfile `json:"staff"`
}

func buildImportCommand(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import units and staff from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := readDirectory(file)
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				for _, u := range dir.Units {
					if _, err := cl.UpsertUnit(ctx, u); err != nil {
						return fmt.Errorf("unit %s: %w", u.ID, describeError(err))
					}
				}
				for _, st := range dir.Staff {
					if _, err := cl.UpsertStaff(ctx, st); err != nil {
						return fmt.Errorf("staff %s: %w", st.ID, describeError(err))
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d units and %d staff\n", len(dir.Units), len(dir.Staff))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with units and staff")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	var dir Directory
	if err := json.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return &dir, nil
}

// ----------------------------------------------------------------------------
// 指派操作
// ----------------------------------------------------------------------------

func buildSubmitCommand(g *globals) *cobra.Command {
	var (
		req      controller.SubmitRequest
		priority string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a work item for assignment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if priority != "" {
				p, err := types.ParsePriority(priority)
				if err != nil {
					return err
				}
				req.Priority = p
			}
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				res, err := cl.Submit(ctx, req)
				if err != nil {
					return describeError(err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&req.WorkItemID, "work-item", "", "work item id")
	cmd.Flags().StringVar(&req.WorkItemType, "type", "", "work item type")
	cmd.Flags().StringVar(&req.UnitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&priority, "priority", "", "urgent, high, normal or low")
	cmd.Flags().StringSliceVar(&req.RequiredSkills, "skills", nil, "required skills")
	cmd.Flags().StringVar(&req.EngagementID, "engagement", "", "engagement id")
	cmd.Flags().StringVar(&req.RequestID, "request-id", "", "idempotency key")
	_ = cmd.MarkFlagRequired("work-item")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

// assignmentCommand 單一 assignment id 參數、回傳指派的命令
func assignmentCommand(g *globals, use, short string, call func(ctx context.Context, cl *server.Client, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <assignment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				out, err := call(ctx, cl, args[0])
				if err != nil {
					return describeError(err)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func buildCompleteCommand(g *globals) *cobra.Command {
	var requestID string
	cmd := assignmentCommand(g, "complete", "Complete an assignment and release its capacity",
		func(ctx context.Context, cl *server.Client, id string) (any, error) {
			return cl.Complete(ctx, id, requestID)
		})
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key")
	return cmd
}

func buildCancelCommand(g *globals) *cobra.Command {
	var reason string
	cmd := assignmentCommand(g, "cancel", "Cancel an assignment and release its capacity",
		func(ctx context.Context, cl *server.Client, id string) (any, error) {
			return cl.Cancel(ctx, id, reason)
		})
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func buildStartCommand(g *globals) *cobra.Command {
	return assignmentCommand(g, "start", "Mark an assignment in progress",
		func(ctx context.Context, cl *server.Client, id string) (any, error) {
			return cl.Start(ctx, id)
		})
}

func buildReassignCommand(g *globals) *cobra.Command {
	var to string
	cmd := assignmentCommand(g, "reassign", "Move an assignment to another staff member",
		func(ctx context.Context, cl *server.Client, id string) (any, error) {
			return cl.Reassign(ctx, id, to)
		})
	cmd.Flags().StringVar(&to, "to", "", "target staff id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func buildWithdrawCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <work-item-id>",
		Short: "Withdraw a queued work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				entry, err := cl.Withdraw(ctx, args[0])
				if err != nil {
					return describeError(err)
				}
				return printJSON(cmd.OutOrStdout(), entry)
			})
		},
	}
}

func buildCommentCommand(g *globals) *cobra.Command {
	var body, requestID string
	cmd := assignmentCommand(g, "comment", "Add a comment to an assignment",
		func(ctx context.Context, cl *server.Client, id string) (any, error) {
			return cl.Comment(ctx, id, body, requestID)
		})
	cmd.Flags().StringVarP(&body, "message", "m", "", "comment body")
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func buildEscalateCommand(g *globals) *cobra.Command {
	var reason string
	cmd := assignmentCommand(g, "escalate", "Escalate an assignment to the supervisor",
		func(ctx context.Context, cl *server.Client, id string) (any, error) {
			return cl.Escalate(ctx, id, reason)
		})
	cmd.Flags().StringVar(&reason, "reason", "", "escalation reason")
	return cmd
}

func buildEventsCommand(g *globals) *cobra.Command {
	var workItem bool
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show the audit history of an assignment (or work item with --work-item)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				var (
					evs []*types.AssignmentEvent
					err error
				)
				if workItem {
					evs, err = cl.WorkItemEvents(ctx, args[0])
				} else {
					evs, err = cl.Events(ctx, args[0])
				}
				if err != nil {
					return describeError(err)
				}
				printEvents(cmd.OutOrStdout(), evs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&workItem, "work-item", false, "treat <id> as a work item id")
	return cmd
}

func printEvents(w io.Writer, evs []*types.AssignmentEvent) {
	for _, e := range evs {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(w, "%6d  %s  %-20s  %-12s  %s\n",
			e.Seq, e.CreatedAt.UTC().Format(time.RFC3339), e.Type, e.ActorUserID, data)
	}
}

func buildQueueCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "queue <unit-id>",
		Short: "List a unit's queue in drain order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				entries, err := cl.Queue(ctx, args[0])
				if err != nil {
					return describeError(err)
				}
				w := cmd.OutOrStdout()
				for i, e := range entries {
					fmt.Fprintf(w, "%3d  %-8s  %s  %s  %s\n", i+1, e.Priority,
						e.CreatedAt.UTC().Format(time.RFC3339), e.WorkItemID, strings.Join(e.RequiredSkills, ","))
				}
				if len(entries) == 0 {
					fmt.Fprintln(w, "(empty)")
				}
				return nil
			})
		},
	}
}

func buildStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				st, err := cl.Status(ctx)
				if err != nil {
					return describeError(err)
				}
				printStatus(cmd.OutOrStdout(), g.addr, st)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, addr string, st controller.Status) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Assignment Scheduler Status                     ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  ├─ Address:      %s\n", addr)
	fmt.Fprintf(w, "  ├─ Uptime:       %s\n", st.Uptime.Truncate(time.Second))
	fmt.Fprintf(w, "  ├─ Workers:      %d\n", st.WorkerCount)
	fmt.Fprintf(w, "  ├─ Active:       %d\n", st.ActiveCount)
	fmt.Fprintf(w, "  ├─ Queued:       %d\n", st.QueuedCount)
	fmt.Fprintf(w, "  └─ Journal Seq:  %d\n", st.JournalSeq)
	fmt.Fprintln(w)

	units := append([]controller.UnitStatus(nil), st.Units...)
	sort.Slice(units, func(i, j int) bool { return units[i].UnitID < units[j].UnitID })
	fmt.Fprintln(w, "Units:")
	for _, u := range units {
		fmt.Fprintf(w, "  ├─ %-12s  %d/%d  queued %d\n", u.UnitID, u.Count, u.Limit, u.Queued)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Dispatch: %d passes, %d coalesced, %d retriggers, %d failed\n",
		st.Pool.Passes, st.Pool.Coalesced, st.Pool.Retriggers, st.Pool.Failed)
}

func buildDispatchCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <unit-id>",
		Short: "Trigger a dispatch pass for a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, cl *server.Client) error {
				if err := cl.TriggerDispatch(ctx, args[0]); err != nil {
					return describeError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatch triggered for %s\n", args[0])
				return nil
			})
		},
	}
}

// ----------------------------------------------------------------------------
// 稽核日誌
// ----------------------------------------------------------------------------

func buildJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect audit journal files offline",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump <path>",
		Short: "Print every event of a journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			return journal.ReplayFile(args[0], func(e *types.AssignmentEvent) error {
				printEvents(w, []*types.AssignmentEvent{e})
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <path>",
		Short: "Verify checksums and per-assignment ordering of a journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := verifyJournal(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d events, %d assignments, last seq %d\n",
				report.Events, report.Assignments, report.LastSeq)
			return nil
		},
	})
	return cmd
}

type journalReport struct {
	Events      int
	Assignments int
	LastSeq     uint64
}

// verifyJournal 驗證 checksum、序號不重複，且每個指派的事件時間不倒退
func verifyJournal(path string) (journalReport, error) {
	var report journalReport
	seen := make(map[uint64]bool)
	byAssignment := make(map[string][]*types.AssignmentEvent)
	err := journal.ReplayFile(path, func(e *types.AssignmentEvent) error {
		if seen[e.Seq] {
			return fmt.Errorf("journal: duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
		report.Events++
		report.LastSeq = max(report.LastSeq, e.Seq)
		if e.AssignmentID != "" {
			byAssignment[e.AssignmentID] = append(byAssignment[e.AssignmentID], e)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	for id, evs := range byAssignment {
		sort.Slice(evs, func(i, j int) bool { return evs[i].Seq < evs[j].Seq })
		if err := audit.Verify(evs); err != nil {
			return report, fmt.Errorf("assignment %s: %w", id, err)
		}
	}
	report.Assignments = len(byAssignment)
	return report, nil
}
