package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vaultgate/vaultgate/internal/autosave"
	"github.com/vaultgate/vaultgate/internal/client"
	"github.com/vaultgate/vaultgate/internal/config"
	"github.com/vaultgate/vaultgate/internal/settings"
	"github.com/vaultgate/vaultgate/internal/settingsmeta"
)

const maskedValue = "********"

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and edit settings on a running server",
	}

	cmd.PersistentFlags().String("server", "http://localhost:8080", "Settings server URL")
	cmd.PersistentFlags().String("token", "", "Bearer token for writes")
	cmd.PersistentFlags().String("meta-file", "", "YAML file replacing the built-in settings metadata")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show every setting grouped by category",
		Args:  cobra.NoArgs,
		RunE:  runSettingsList,
	}
	listCmd.Flags().String("category", "", "Only show this category")

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Show a single setting",
		Args:  cobra.ExactArgs(1),
		RunE:  runSettingsGet,
	}

	setCmd := &cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Edit settings through the autosave engine",
		Long: `Each assignment is fed to the autosave engine as an edit. Edits to the
same key coalesce and the engine sends them as one batch once the debounce
period has passed, or immediately with --now.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSettingsSet,
	}
	setCmd.Flags().Duration("debounce", autosave.DefaultDebounce, "Quiet period before the batch is sent")
	setCmd.Flags().Bool("now", false, "Send the batch without waiting for the debounce period")

	cmd.AddCommand(listCmd, getCmd, setCmd)
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent setting changes",
		Args:  cobra.NoArgs,
		RunE:  runAudit,
	}

	cmd.Flags().String("server", "http://localhost:8080", "Settings server URL")
	cmd.Flags().String("token", "", "Bearer token")
	cmd.Flags().String("key", "", "Only show changes to this key")
	cmd.Flags().Int("limit", 20, "Maximum number of events")
	return cmd
}

// cliContext carries what every client-side command needs
type cliContext struct {
	cfg    *config.Config
	client *client.Client
	meta   *settingsmeta.Table
	out    io.Writer
}

func newCLIContext(cmd *cobra.Command) (*cliContext, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	meta := settingsmeta.Default()
	if cfg.MetaFile != "" {
		if meta, err = settingsmeta.LoadFile(cfg.MetaFile); err != nil {
			return nil, fmt.Errorf("failed to load settings metadata: %w", err)
		}
	}

	c, err := client.New(cfg.Client.ServerURL,
		client.WithToken(cfg.Client.Token),
		client.WithLogger(logrus.StandardLogger()),
	)
	if err != nil {
		return nil, err
	}

	return &cliContext{cfg: cfg, client: c, meta: meta, out: cmd.OutOrStdout()}, nil
}

// display masks secrets and quotes empty values
func (cc *cliContext) display(key, value string) string {
	if m, ok := cc.meta.Get(key); ok {
		if m.InputType == settingsmeta.InputSecret && value != "" {
			return maskedValue
		}
		if m.Unit != "" && value != "" {
			return value + " " + m.Unit
		}
	}
	if value == "" {
		return `""`
	}
	return value
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	cc, err := newCLIContext(cmd)
	if err != nil {
		return err
	}

	catalog, err := cc.client.Fetch(cmd.Context())
	if err != nil {
		return err
	}
	only, _ := cmd.Flags().GetString("category")

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	evaluator := autosave.NewEvaluator(cc.meta)

	for _, category := range catalog.Categories() {
		if only != "" && category != only {
			continue
		}

		fmt.Fprintln(cc.out)
		cyan.Fprintf(cc.out, "  %s\n", strings.ToUpper(category))

		w := tabwriter.NewWriter(cc.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  KEY\tVALUE\tUPDATED\tBY")
		for _, s := range catalog[category] {
			by := "-"
			if s.UpdatedBy != nil {
				by = *s.UpdatedBy
			}
			updated := "-"
			if !s.UpdatedAt.IsZero() {
				updated = s.UpdatedAt.Local().Format("Jan 02 15:04")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", s.Key, cc.display(s.Key, s.Value), updated, by)
		}
		w.Flush()

		for _, s := range catalog[category] {
			if msg := evaluator.Warning(s.Key, s.Value, ""); msg != "" {
				yellow.Fprintf(cc.out, "  ! %s: %s\n", s.Key, msg)
			}
		}
	}
	fmt.Fprintln(cc.out)
	return nil
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	cc, err := newCLIContext(cmd)
	if err != nil {
		return err
	}

	s, err := cc.client.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(cc.out, "%s = %s\n", s.Key, cc.display(s.Key, s.Value))
	if s.Description != nil && *s.Description != "" {
		fmt.Fprintf(cc.out, "  %s\n", *s.Description)
	}
	if msg := autosave.NewEvaluator(cc.meta).Warning(s.Key, s.Value, ""); msg != "" {
		color.New(color.FgYellow).Fprintf(cc.out, "  ! %s\n", msg)
	}
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	cc, err := newCLIContext(cmd)
	if err != nil {
		return err
	}

	changes, err := parseAssignments(args)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if m, ok := cc.meta.Get(c.Key); ok {
			if err := m.ValidateValue(c.Value); err != nil {
				return fmt.Errorf("%s: %w", c.Key, err)
			}
		}
	}

	engine := autosave.New(cc.client,
		autosave.WithDebounce(cc.cfg.Autosave.Debounce),
		autosave.WithSavedHold(cc.cfg.Autosave.SavedHold),
		autosave.WithRequestTimeout(cc.cfg.Autosave.RequestTimeout),
		autosave.WithLogger(logrus.StandardLogger()),
		autosave.WithMeta(cc.meta),
	)
	defer engine.Close()

	ctx := cmd.Context()
	if err := engine.Refresh(ctx); err != nil {
		return err
	}

	done := make(chan autosave.StatusEvent, 1)
	unsubscribe := engine.Subscribe(func(ev autosave.StatusEvent) {
		if ev.Status == autosave.StatusSaved || ev.Status == autosave.StatusError {
			select {
			case done <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	yellow := color.New(color.FgYellow)
	for _, c := range changes {
		engine.HandleChange(c.Key, c.Value)
		if msg := engine.Warning(c.Key, ""); msg != "" {
			yellow.Fprintf(cc.out, "  ! %s: %s\n", c.Key, msg)
		}
	}

	if now, _ := cmd.Flags().GetBool("now"); now {
		engine.Flush()
	}

	timeout := cc.cfg.Autosave.Debounce + cc.cfg.Autosave.RequestTimeout + time.Second
	select {
	case ev := <-done:
		if ev.Status == autosave.StatusError {
			return fmt.Errorf("autosave failed: %s", ev.Err)
		}
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for autosave", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	green := color.New(color.FgGreen)
	green.Fprintf(cc.out, "Saved %d setting(s)\n", len(changes))
	for _, c := range changes {
		fmt.Fprintf(cc.out, "  %s = %s\n", c.Key, cc.display(c.Key, engine.EffectiveValue(c.Key)))
	}
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	cc, err := newCLIContext(cmd)
	if err != nil {
		return err
	}

	key, _ := cmd.Flags().GetString("key")
	limit, _ := cmd.Flags().GetInt("limit")

	records, err := cc.client.Audit(cmd.Context(), key, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cc.out, "  (no changes recorded)")
		return nil
	}

	w := tabwriter.NewWriter(cc.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  WHEN\tACTOR\tKEY\tOLD\tNEW")
	for _, r := range records {
		old := "-"
		if r.OldValue != nil {
			old = *r.OldValue
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Actor, r.SettingKey, old, r.NewValue)
	}
	return w.Flush()
}

// parseAssignments turns KEY=VALUE arguments into changes. The value may be
// empty or contain '='; later assignments to a key win.
func parseAssignments(args []string) ([]settings.Change, error) {
	changes := make([]settings.Change, 0, len(args))
	index := make(map[string]int, len(args))

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", arg)
		}
		if i, seen := index[key]; seen {
			changes[i].Value = value
			continue
		}
		index[key] = len(changes)
		changes = append(changes, settings.Change{Key: key, Value: value})
	}
	return changes, nil
}
