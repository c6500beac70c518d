package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"flowrelay/internal/monitor"
)

var (
	host    string
	port    int
	refresh time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaymon",
		Short: "Terminal monitor for a running flowrelay's stats_port",
		Long: `relaymon polls a flowrelay process's diagnostic TCP server and
renders stats, top-AS, and template-cache output as a live terminal UI.`,
		Run: runTUI,
	}
	rootCmd.Flags().StringVar(&host, "host", "127.0.0.1", "flowrelay stats_port host")
	rootCmd.Flags().IntVar(&port, "port", 9999, "flowrelay stats_port port")
	rootCmd.Flags().DurationVar(&refresh, "refresh", time.Second, "poll interval")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTUI(cmd *cobra.Command, args []string) {
	client := monitor.New(host, port)

	app := tview.NewApplication()

	statsView := tview.NewTextView().SetDynamicColors(true)
	statsView.SetBorder(true).SetTitle(" stats ")

	asView := tview.NewTextView().SetDynamicColors(true)
	asView.SetBorder(true).SetTitle(" as_stats ")

	templatesView := tview.NewTextView().SetDynamicColors(true)
	templatesView.SetBorder(true).SetTitle(" templates ")

	errorsView := tview.NewTextView().SetDynamicColors(true)
	errorsView.SetBorder(true).SetTitle(" errors ")

	// Narrow terminals (SSH sessions, tmux splits) can't fit a four-pane
	// grid legibly; stack every pane in one column instead.
	narrow := false
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w < 100 {
		narrow = true
	}

	var layout *tview.Flex
	if narrow {
		layout = tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(statsView, 0, 1, false).
			AddItem(asView, 0, 1, false).
			AddItem(templatesView, 0, 1, false).
			AddItem(errorsView, 0, 1, false)
	} else {
		top := tview.NewFlex().
			AddItem(statsView, 0, 1, false).
			AddItem(asView, 0, 1, false)

		bottom := tview.NewFlex().
			AddItem(templatesView, 0, 1, false).
			AddItem(errorsView, 0, 1, false)

		layout = tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(top, 0, 1, false).
			AddItem(bottom, 0, 1, false)
	}

	status := tview.NewTextView().SetDynamicColors(true)
	fmt.Fprintf(status, "[yellow]relaymon[white] connected to %s:%d — press q to quit", host, port)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(layout, 0, 1, false).
		AddItem(status, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	stop := make(chan struct{})
	go pollLoop(app, client, statsView, asView, templatesView, errorsView, stop)

	if err := app.SetRoot(root, true).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relaymon error: %v\n", err)
		os.Exit(1)
	}
	close(stop)
}

func pollLoop(app *tview.Application, client *monitor.Client, statsView, asView, templatesView, errorsView *tview.TextView, stop chan struct{}) {
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	refreshOnce(app, client, statsView, asView, templatesView, errorsView)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			refreshOnce(app, client, statsView, asView, templatesView, errorsView)
		}
	}
}

func refreshOnce(app *tview.Application, client *monitor.Client, statsView, asView, templatesView, errorsView *tview.TextView) {
	stats, statsErr := client.Query("stats")
	asStats, asErr := client.Query("as_stats")
	templates, tplErr := client.Query("templates")
	errs, errsErr := client.Query("errors")

	app.QueueUpdateDraw(func() {
		statsView.SetText(renderOrError(stats, statsErr))
		asView.SetText(renderOrError(asStats, asErr))
		templatesView.SetText(renderOrError(templates, tplErr))
		errorsView.SetText(renderOrError(errs, errsErr))
	})
}

func renderOrError(lines []string, err error) string {
	if err != nil {
		return fmt.Sprintf("[red]%v[white]", err)
	}
	if len(lines) == 0 {
		return "[gray](none)[white]"
	}
	return strings.Join(lines, "\n")
}
