package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/dashboard"
	"github.com/alwitt/kegwatch/presentation"
	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// WatchCLIArgs arguments
type WatchCLIArgs struct {
	// ServerURL overrides the configured live channel URL when set
	ServerURL string `validate:"omitempty,url"`
	// RefreshInterval how often to redraw the board
	RefreshInterval time.Duration `validate:"gte=100ms"`
	// NoColor disable highlighting
	NoColor bool
}

// GetWatchCLIFlags retrieve the set of CMD flags for the terminal dashboard
func GetWatchCLIFlags(args *WatchCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server-url",
			Usage:       "Live channel websocket URL. Overrides the config file.",
			Aliases:     []string{"su"},
			EnvVars:     []string{"KEGWATCH_SERVER_URL"},
			Value:       "",
			DefaultText: "from config",
			Destination: &args.ServerURL,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "refresh-interval",
			Usage:       "How often to redraw the tap board",
			Aliases:     []string{"ri"},
			EnvVars:     []string{"KEGWATCH_REFRESH_INTERVAL"},
			Value:       time.Second * 2,
			DefaultText: "2s",
			Destination: &args.RefreshInterval,
			Required:    false,
		},
		&cli.BoolFlag{
			Name:        "no-color",
			Usage:       "Disable low keg highlighting",
			EnvVars:     []string{"NO_COLOR"},
			Value:       false,
			DefaultText: "false",
			Destination: &args.NoColor,
			Required:    false,
		},
	}
}

// boardRenderer draws a tap board as a text table
type boardRenderer struct {
	out     io.Writer
	view    presentation.Options
	lowKeg  *color.Color
	offline *color.Color
}

func newBoardRenderer(out io.Writer, view presentation.Options, noColor bool) *boardRenderer {
	lowKeg := color.New(color.FgRed, color.Bold)
	offline := color.New(color.FgYellow)
	if noColor {
		lowKeg.DisableColor()
		offline.DisableColor()
	}
	return &boardRenderer{out: out, view: view, lowKeg: lowKeg, offline: offline}
}

func (r *boardRenderer) render(board *dashboard.TapBoard, connected bool) error {
	status := "online"
	if !connected {
		status = r.offline.Sprint("offline")
	}
	header := fmt.Sprintf("kegwatch [%s]", status)
	if stats, ok := board.Stats(); ok {
		header = fmt.Sprintf(
			"%s taps=%d low=%d viewers=%d", header, stats.TapCount, stats.LowKegCount, stats.SessionCount,
		)
	}
	if _, err := fmt.Fprintln(r.out, header); err != nil {
		return err
	}

	// Color is applied per line after alignment so escape codes do not skew the columns
	aligned := bytes.Buffer{}
	table := tabwriter.NewWriter(&aligned, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "TAP\tNAME\tFULL\tLITERS\tLAST POUR\t")
	views := board.Views(r.view)
	for _, view := range views {
		full := fmt.Sprintf("%d%%", view.VolumePercentage)
		if view.IsLowKeg {
			full = fmt.Sprintf("%d%% LOW", view.VolumePercentage)
		}
		fmt.Fprintf(
			table,
			"%d\t%s\t%s\t%.1f / %d\t%s\t\n",
			view.ID, view.Name, full, view.AvailableLiters, view.TotalLiters, view.LastPour,
		)
	}
	if err := table.Flush(); err != nil {
		return err
	}

	lines := strings.Split(strings.TrimRight(aligned.String(), "\n"), "\n")
	for idx, line := range lines {
		// First line is the header
		if idx > 0 && idx <= len(views) && views[idx-1].IsLowKeg {
			line = r.lowKeg.Sprint(line)
		}
		if _, err := fmt.Fprintln(r.out, line); err != nil {
			return err
		}
	}
	return nil
}

// describeAlert one line summary of an alert message
func describeAlert(msg common.LiveMessage, view presentation.Options) string {
	var delta common.TapStateDelta
	if err := json.Unmarshal(msg.Data, &delta); err != nil {
		return fmt.Sprintf("%s: unreadable alert", msg.Type)
	}
	tap := presentation.Derive(delta.Tap, view)
	switch msg.Type {
	case common.MsgTypeKegLowAlert:
		return fmt.Sprintf("tap %d is low: %d%% left", tap.ID, tap.VolumePercentage)
	case common.MsgTypePourClamped:
		return fmt.Sprintf("tap %d reported a pour larger than its keg, volume reset to 0", tap.ID)
	default:
		return fmt.Sprintf("%s on tap %d", msg.Type, tap.ID)
	}
}

// RunDashboardWatch follow the live channel and draw the tap board until stopped
func RunDashboardWatch(
	runTimeContext context.Context,
	config *common.SystemConfig,
	params WatchCLIArgs,
	out io.Writer,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "dashboard-watch",
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	if params.ServerURL != "" {
		config.Dashboard.ServerURL = params.ServerURL
	}

	displayTZ, err := common.LoadLocation(config.Dashboard.DisplayTimezone)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unknown display timezone %s", config.Dashboard.DisplayTimezone)
		return err
	}

	transport, err := dashboard.GetWebsocketTransport(config.Dashboard.ServerURL, http.Header{})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live channel transport")
		return err
	}
	manager, err := dashboard.GetConnectionManager(
		runTimeContext, dashboard.ParamsFromConfig(config.Dashboard), transport, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return err
	}
	defer func() {
		_ = manager.Stop()
	}()

	board := dashboard.NewTapBoard()
	defer board.Attach(manager)()

	// Same threshold as the server's aggregator, so highlighting matches its alerts
	view := presentation.OptionsFromThreshold(displayTZ, config.Telemetry.LowKegThreshold)
	renderer := newBoardRenderer(out, view, params.NoColor)
	renderLock := sync.Mutex{}
	alert := func(msg common.LiveMessage) {
		renderLock.Lock()
		defer renderLock.Unlock()
		fmt.Fprintln(out, renderer.lowKeg.Sprint("ALERT"), describeAlert(msg, view))
	}
	defer manager.AddListenerFor(common.MsgTypeKegLowAlert, alert)()
	defer manager.AddListenerFor(common.MsgTypePourClamped, alert)()

	refresh, err := common.GetIntervalTimerInstance("dashboard-refresh", runTimeContext, wg)
	if err != nil {
		return err
	}
	defer func() {
		_ = refresh.Stop()
	}()
	if err := refresh.Start(params.RefreshInterval, func() error {
		renderLock.Lock()
		defer renderLock.Unlock()
		return renderer.render(board, manager.IsConnected())
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start board refresh")
		return err
	}

	log.WithFields(logTags).Infof("Following %s", config.Dashboard.ServerURL)
	<-runTimeContext.Done()
	return nil
}
