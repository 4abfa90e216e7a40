package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/pkg/client"
)

// command runs the daemon client subcommands.
type command struct {
	flags *GlobalFlags
}

// apiClient resolves the daemon URL and token from flags first, then the
// client section of the config (which already carries BOTVISOR_CLIENT_* env).
func (c command) apiClient() (*client.Client, error) {
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	url := cfg.Client.URL
	if c.flags.APIUrl != "" {
		url = c.flags.APIUrl
	}
	token := cfg.Client.Token
	if c.flags.Token != "" {
		token = c.flags.Token
	}
	cc := client.Config{
		BaseURL:  url,
		Token:    token,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: c.flags.CACert}
	}
	return client.New(cc)
}

func (c command) print(w io.Writer, v any, text func(io.Writer)) {
	if c.flags.JSON || text == nil {
		printJSON(w, v)
		return
	}
	text(w)
}

func (c command) Bots(ctx context.Context, w io.Writer) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	bots, err := api.ListBots(ctx)
	if err != nil {
		return err
	}
	c.print(w, bots, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPID\tUPTIME\tCPU%\tMEM(MB)")
		for _, b := range bots {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f\t%.1f\n",
				b.ID, b.Name, b.Status, pidString(b.PID), uptime(b.UptimeSeconds), b.CPUUsage, b.MemoryUsage)
		}
		_ = tw.Flush()
	})
	return nil
}

func (c command) Get(ctx context.Context, w io.Writer, id string) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	bot, err := api.GetBot(ctx, id)
	if err != nil {
		return err
	}
	printJSON(w, bot)
	return nil
}

func (c command) Create(ctx context.Context, w io.Writer, f CreateFlags) error {
	spec, err := specFromFlags(f)
	if err != nil {
		return err
	}
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	bot, err := api.CreateBot(ctx, spec)
	if err != nil {
		return err
	}
	c.print(w, bot, func(w io.Writer) { _, _ = fmt.Fprintf(w, "created %s\n", bot.ID) })
	return nil
}

// specFromFlags builds a launch spec from --file or the individual flags.
func specFromFlags(f CreateFlags) (client.BotSpec, error) {
	if f.File != "" {
		wc, err := config.LoadWorkerFile(f.File)
		if err != nil {
			return client.BotSpec{}, err
		}
		wc.Env = append(wc.Env, f.Env...)
		spec, err := wc.ToSpec()
		if err != nil {
			return client.BotSpec{}, err
		}
		out := client.BotSpec{
			ID:          spec.ID,
			Name:        spec.Name,
			Language:    string(spec.Language),
			MainFile:    spec.MainFile,
			Args:        spec.Args,
			Command:     spec.Command,
			Setup:       spec.Setup,
			WorkDir:     spec.WorkDir,
			Environment: spec.Environment,
			AutoRestart: spec.AutoRestart,
		}
		if f.ID != "" {
			out.ID = f.ID
		}
		return out, nil
	}
	if f.Name == "" {
		return client.BotSpec{}, fmt.Errorf("--name or --file is required")
	}
	spec := client.BotSpec{
		ID:          f.ID,
		Name:        f.Name,
		Language:    f.Language,
		MainFile:    f.MainFile,
		Command:     f.Command,
		Setup:       f.Setup,
		WorkDir:     f.WorkDir,
		AutoRestart: f.AutoRestart,
	}
	if len(f.Env) > 0 {
		spec.Environment = make(map[string]string, len(f.Env))
		for _, kv := range f.Env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return client.BotSpec{}, fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
			}
			spec.Environment[k] = v
		}
	}
	return spec, nil
}

func (c command) Delete(ctx context.Context, w io.Writer, id string) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	if err := api.DeleteBot(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "deleted %s\n", id)
	return nil
}

func (c command) Control(ctx context.Context, w io.Writer, op, id string) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	var bot *client.Bot
	switch op {
	case "start":
		bot, err = api.Start(ctx, id)
	case "stop":
		bot, err = api.Stop(ctx, id)
	case "restart":
		bot, err = api.Restart(ctx, id)
	default:
		return fmt.Errorf("unknown action %q", op)
	}
	if err != nil {
		return err
	}
	c.print(w, bot, func(w io.Writer) {
		if bot == nil {
			_, _ = fmt.Fprintf(w, "%s: %s requested\n", id, op)
			return
		}
		_, _ = fmt.Fprintf(w, "%s: %s\n", bot.ID, bot.Status)
	})
	return nil
}

func (c command) Logs(ctx context.Context, w io.Writer, id string, limit int) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	logs, err := api.Logs(ctx, id, limit)
	if err != nil {
		return err
	}
	c.print(w, logs, func(w io.Writer) {
		// the API returns newest first; print in reading order
		for i := len(logs) - 1; i >= 0; i-- {
			r := logs[i]
			_, _ = fmt.Fprintf(w, "%s %-5s %s\n", r.Timestamp.Format(time.RFC3339), strings.ToUpper(r.Level), r.Message)
		}
	})
	return nil
}

func (c command) ClearLogs(ctx context.Context, w io.Writer, id string) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	if err := api.ClearLogs(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "cleared logs of %s\n", id)
	return nil
}

func (c command) Activities(ctx context.Context, w io.Writer, limit int) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	acts, err := api.Activities(ctx, limit)
	if err != nil {
		return err
	}
	c.print(w, acts, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tBOT\tMESSAGE")
		for _, a := range acts {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Timestamp.Format(time.RFC3339), a.Type, a.BotID, a.Message)
		}
		_ = tw.Flush()
	})
	return nil
}

func (c command) Stats(ctx context.Context, w io.Writer) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	s, err := api.Stats(ctx)
	if err != nil {
		if client.IsNotFound(err) {
			_, _ = fmt.Fprintln(w, "no system stats available yet")
			return nil
		}
		return err
	}
	c.print(w, s, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "cpu      %.1f%%\n", s.CPUUsage)
		_, _ = fmt.Fprintf(w, "memory   %.0f / %.0f MB\n", s.MemoryUsed, s.MemoryTotal)
		_, _ = fmt.Fprintf(w, "disk     %.0f / %.0f MB\n", s.DiskUsed, s.DiskTotal)
		_, _ = fmt.Fprintf(w, "network  in %.1f KB/s, out %.1f KB/s\n", s.NetworkIn, s.NetworkOut)
		if len(s.Unavailable) > 0 {
			_, _ = fmt.Fprintf(w, "unavailable: %s\n", strings.Join(s.Unavailable, ", "))
		}
	})
	return nil
}

func (c command) Schedules(ctx context.Context, w io.Writer) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	scheds, err := api.Schedules(ctx)
	if err != nil {
		return err
	}
	c.print(w, scheds, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "WORKER\tACTION\tSCHEDULE\tNEXT")
		for _, s := range scheds {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Worker, s.Action, s.Schedule, s.Next.Format(time.RFC3339))
		}
		_ = tw.Flush()
	})
	return nil
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func uptime(secs float64) string {
	if secs <= 0 {
		return "-"
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Second).String()
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
