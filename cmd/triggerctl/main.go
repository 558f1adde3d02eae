// triggerctl validates rule files and dry-runs them against ticket
// fixtures. All runs happen against an in-memory store; nothing external
// is mutated, though a sqlite delivery log can be attached to exercise
// throttling across runs.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ticketd/trigger"
	"github.com/ticketd/trigger/action"
	"github.com/ticketd/trigger/cel"
	"github.com/ticketd/trigger/loader"
	"github.com/ticketd/trigger/notify"
	"github.com/ticketd/trigger/render"
	"github.com/ticketd/trigger/throttle"
	"github.com/ticketd/trigger/ticket"
)

var (
	flagVerbose    bool
	flagRecursion  bool
	flagProduction bool
	flagMaxLoops   int
	flagActor      int64
	flagKind       string
	flagThrottleDB string
)

func main() {
	root := &cobra.Command{
		Use:           "triggerctl",
		Short:         "validate and dry-run ticket automation rules",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(validateCmd(), listCmd(), matchCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "triggerctl:", err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>",
		Short: "check a rule file for syntax and semantic errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loader.LoadRules(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d rules ok\n", args[0], len(rules))
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <rules.yaml>",
		Short: "print the rules in a file as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loader.LoadRules(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(trigger.RulesTable(rules))
			return nil
		},
	}
}

func matchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <rules.yaml> <ticket.yaml>",
		Short: "show which rules match a ticket, without applying anything",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loader.LoadRules(args[0], nil)
			if err != nil {
				return err
			}
			tk, err := loader.LoadTicket(args[1])
			if err != nil {
				return err
			}
			eng, err := newEngine(nil)
			if err != nil {
				return err
			}
			for _, r := range rules {
				if r.Condition == nil {
					fmt.Printf("  ?  %s (%d): expression rules need a dry run\n", r.Name, r.ID)
					continue
				}
				if eng.MatchSelector(r.Condition, tk, nil) {
					fmt.Printf("  +  %s (%d)\n", r.Name, r.ID)
				} else {
					fmt.Printf("  -  %s (%d)\n", r.Name, r.ID)
				}
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <rules.yaml> <ticket.yaml>",
		Short: "dry-run the rules against a ticket in an in-memory store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loader.LoadRules(args[0], nil)
			if err != nil {
				return err
			}
			tk, err := loader.LoadTicket(args[1])
			if err != nil {
				return err
			}

			gate, err := newGate()
			if err != nil {
				return err
			}
			store := ticket.NewMemoryStore(tk)
			deliverer := &notify.MemoryDeliverer{}
			applier := &action.Applier{
				Store:     store,
				Historian: store,
				Tagger:    store,
				Renderer:  &render.Renderer{},
				Deliverer: deliverer,
				Gate:      gate,
				Directory: &notify.MemoryDirectory{},
			}
			eng, err := newEngine(applier)
			if err != nil {
				return err
			}

			item := &ticket.ChangeItem{Kind: flagKind, UserID: flagActor}
			if a := tk.LastArticle(); a != nil {
				item.ArticleID = a.ID
			}
			ec := trigger.NewExecutionContext(tk.ID)
			ec.ActorID = flagActor

			ok, msg, _, err := eng.Run(context.Background(), tk, rules, item, ec)
			if err != nil {
				return err
			}
			if msg != "" {
				fmt.Println(msg)
			}
			if !ok {
				fmt.Println("run stopped by loop guard")
			}

			fmt.Printf("saves: %d\n", store.SaveCount)
			for _, h := range store.History {
				fmt.Printf("history: %s %v\n", h.Event, h.Extra)
			}
			for _, op := range store.TagOps {
				fmt.Printf("tag %s: %s\n", op.Op, op.Tag)
			}
			for _, req := range deliverer.Requests {
				fmt.Printf("notify %s to %v: %s\n", req.Channel, req.To, req.Subject)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagRecursion, "recursion", false, "re-evaluate rules after a rule applied")
	cmd.Flags().BoolVar(&flagProduction, "production", false, "log and continue on rule errors")
	cmd.Flags().IntVar(&flagMaxLoops, "max-loops", 10, "loop guard budget")
	cmd.Flags().Int64Var(&flagActor, "actor", 0, "acting user id")
	cmd.Flags().StringVar(&flagKind, "kind", "update", "change kind (create, update, reminder_reached, escalation)")
	cmd.Flags().StringVar(&flagThrottleDB, "throttle-db", "", "sqlite file for the delivery log (default: in-memory)")
	return cmd
}

func newGate() (action.Gate, error) {
	t := throttle.New(&throttle.MemoryLog{})
	if flagThrottleDB != "" {
		db, err := sql.Open("sqlite3", flagThrottleDB)
		if err != nil {
			return nil, errors.Wrapf(err, "opening throttle db %s", flagThrottleDB)
		}
		log, err := throttle.NewSQLiteLog(db)
		if err != nil {
			return nil, errors.Wrapf(err, "preparing throttle db %s", flagThrottleDB)
		}
		t.Log = log
	}
	t.Failures = &throttle.MemoryFailures{}
	return t, nil
}

func newEngine(applier *action.Applier) (*trigger.Engine, error) {
	ev, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return trigger.NewEngine(applier,
		trigger.Recursion(flagRecursion),
		trigger.Production(flagProduction),
		trigger.MaxLoops(flagMaxLoops),
		trigger.WithExprEvaluator(ev),
		trigger.WithLogger(logrus.StandardLogger()),
	), nil
}
