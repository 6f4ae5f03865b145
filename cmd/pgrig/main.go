package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/jstaube/pgrig/pkg/capability"
	"github.com/jstaube/pgrig/pkg/config"
	"github.com/jstaube/pgrig/pkg/observability"
	"github.com/jstaube/pgrig/pkg/session"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`                         _       `,
	`    ____   ____ _ _____ (_)____ _`,
	`   / __ \ / __ '// ___// // __ '/`,
	`  / /_/ // /_/ // /   / // /_/ / `,
	` / .___/ \__, //_/   /_/ \__, /  `,
	`/_/     /____/          /____/   `,
}

func printBanner() {
	// Gradient from green to blue
	green, _ := colorful.Hex("#00D787")
	blue, _ := colorful.Hex("#2F6FDB")
	bgColor := lipgloss.Color("#10141f")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := green.BlendLuv(blue, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	// Styles for usage and check output
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D787"))

	descStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#2F6FDB")).
			Bold(true)

	exampleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  pgrig ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n",
			flagStyle.Render("-"+f.Name),
			descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  pgrig -profile rig.json -check"))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'pgrig -help' for full configuration documentation."))
	fmt.Println()
}

func printFullDocs() {
	// Terminal width, default to 80 when not a terminal
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func drainPolicy(name string) session.DrainPolicy {
	if name == config.DrainForce {
		return session.DrainForce
	}
	return session.DrainFailFast
}

func main() {
	profilePath := flag.String("profile", "", "path to a pgrig profile (JSON); omitted means environment and prompts")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	runCheck := flag.Bool("check", false, "resolve the profile, connect, and run a pool smoke pass")
	metricsListen := flag.String("metrics", "", "serve prometheus metrics at host:port[/path]; overrides the profile")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	if !*runCheck {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx := context.Background()

	var profile *config.Profile
	if *profilePath != "" {
		p, err := config.ReadProfileFile(*profilePath)
		if err != nil {
			logger.Error("failed to read profile", "error", err)
			os.Exit(1)
		}
		profile = p
	} else {
		profile = config.FromEnv()
	}

	if *metricsListen != "" {
		profile.Prometheus = config.ParsePrometheusListen(*metricsListen)
	}

	resolver, err := config.NewEnvResolver(ctx)
	if err != nil {
		logger.Error("failed to create resolver", "error", err)
		os.Exit(1)
	}

	if err := profile.Validate(ctx, resolver); err != nil {
		logger.Error("profile validation failed", "error", err)
		os.Exit(1)
	}
	logger.Info("profile validated")

	if err := check(ctx, logger, profile, resolver); err != nil {
		logger.Error("check failed", "error", err)
		os.Exit(1)
	}
}

// check connects as the main identity, reports the version pairing, and
// exercises one acquire/release cycle through a pool built from the profile.
func check(ctx context.Context, logger *slog.Logger, profile *config.Profile, resolver *config.Resolver) error {
	connString, err := profile.ResolveConnectString(ctx, resolver)
	if err != nil {
		return err
	}
	username, password, err := profile.Main.Resolve(ctx, resolver, "main")
	if err != nil {
		return err
	}
	cred := session.NewCredential(username, password)

	opts := session.Options{
		ClientEncoding:  profile.Connect.ClientEncoding,
		ApplicationName: profile.Connect.ApplicationName,
		ConnectTimeout:  profile.Connect.ConnectTimeout.Duration(),
	}

	var metrics *observability.Metrics
	msrv := observability.NewMetricsServer(profile.Prometheus, logger)
	if msrv.Enabled() {
		metrics = observability.DefaultMetrics()
	}

	recorder := observability.NewRecorder(profile.FlightRecorder, logger)
	if recorder != nil {
		if err := recorder.Start(); err != nil {
			return err
		}
		defer recorder.Stop()
		recorder.SetupSignalHandler(ctx)
		recorder.RegisterHTTPHandlers(msrv.Mux())
	}

	msrv.Start()
	if msrv.Enabled() {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
		}()
	}

	conn, err := session.Connect(ctx, connString, cred, opts)
	metrics.RecordConnect(cred.Username(), err)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("pgrig check"))
	fmt.Printf("  %s %s\n", descStyle.Render("driver version:"), capability.DriverVersion())
	fmt.Printf("  %s %s\n", descStyle.Render("server version:"), conn.ServerVersion())
	fmt.Printf("  %s %d as %s\n", descStyle.Render("session:       "), conn.SID(), conn.User())

	if err := conn.Close(ctx); err != nil {
		return err
	}

	pool, err := session.NewPool(ctx, session.PoolConfig{
		ConnString:        connString,
		Base:              cred,
		Options:           opts,
		MinSize:           profile.Pool.GetMinSize(),
		MaxSize:           profile.Pool.GetMaxSize(),
		Increment:         profile.Pool.GetIncrement(),
		WaitTimeout:       profile.Pool.WaitTimeout.Duration(),
		Heterogeneous:     profile.Pool.GetSessionMode() == config.SessionModeHeterogeneous,
		RollbackOnRelease: profile.Pool.GetRollbackOnRelease(),
		Drain:             drainPolicy(profile.Pool.GetDrainPolicy()),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if msrv.Enabled() {
		prometheus.MustRegister(observability.NewPoolStatsCollector("main", pool))
	}

	start := time.Now()
	pc, err := pool.Acquire(ctx)
	wait := time.Since(start)
	metrics.RecordCheckout("main", wait, err)
	recorder.OnAcquireStall(wait)
	if err != nil {
		_ = pool.Close(ctx)
		return err
	}

	var one int
	if err := pc.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		pc.MarkBroken()
		pc.Release()
		_ = pool.Close(ctx)
		return err
	}
	pc.Release()

	stat := pool.Stat()
	fmt.Printf("  %s acquired in %s, %d live / %d idle\n",
		descStyle.Render("pool:          "), wait.Round(time.Millisecond), stat.Live, stat.Idle)

	if err := pool.Close(ctx); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("ok"))
	return nil
}
