// someipd is the CLI entry point for the runtime: load a JSON config,
// stand up one runtime instance, and keep it alive until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/eshenhu/someip/internal/config"
	"github.com/eshenhu/someip/internal/logging"
	"github.com/eshenhu/someip/someip"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "someipd.json", "path to the JSON runtime configuration")
	instance := flag.String("instance", "", "runtime instance name within the configuration")
	clientID := flag.Uint("client-id", 1, "client_id advertised on outbound requests")
	debugMode := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	pterm.Info.Println(fmt.Sprintf("someipd — v%s", version))

	if *instance == "" {
		pterm.Error.Println("missing required -instance flag")
		os.Exit(1)
	}

	doc, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	if err := doc.Validate(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	log := logging.New(logging.Options{Component: "someipd", Console: true, Debug: *debugMode})

	rtCfg, err := doc.ResolveRuntime(*instance, uint16(*clientID))
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	providing, err := doc.ResolveProviding(*instance)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
	required, err := doc.ResolveRequired(*instance)
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	rt, err := someip.NewRuntime(rtCfg, log)
	if err != nil {
		pterm.Error.Println(fmt.Sprintf("runtime construction failed: %v", err))
		os.Exit(1)
	}
	defer rt.Close()

	for _, p := range providing {
		rt.OfferService(p, unimplementedHandler(log))
	}
	for _, r := range required {
		rt.RegisterRequired(r)
	}

	printStatus(rtCfg, providing, required, *instance)

	<-ctx.Done()
	pterm.Info.Println("shutting down")
	time.Sleep(50 * time.Millisecond) // brief pause before the deferred rt.Close sends StopOffer and shuts the runtime down
}

// unimplementedHandler answers every request for a config-declared service
// with ReturnUnknownMethod. A generic CLI has no compiled-in application
// logic of its own; a real deployment links in a generated stub (see
// stub/echo.go) and calls OfferService with that instead.
func unimplementedHandler(log someip.Logger) someip.Handler {
	return someip.HandlerFunc(func(h someip.Header, payload []byte) ([]byte, someip.ReturnCode) {
		log.Warnf("no application handler linked in for service=%#04x method=%#04x", h.ServiceID, h.MethodID)
		return nil, someip.ReturnUnknownMethod
	})
}

func printStatus(cfg someip.RuntimeConfig, providing []someip.ProvidingService, required []someip.RequiredService, instance string) {
	rows := [][]string{{"interface", "v4", "v6", "tcp"}}
	for _, ifc := range cfg.Interfaces {
		rows = append(rows, []string{
				ifc.Name,
				boolMark(ifc.UnicastV4 != nil),
				boolMark(ifc.UnicastV6 != nil),
				boolMark(ifc.TCPListenV4 != nil || ifc.TCPListenV6 != nil),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	if len(providing) > 0 {
		prows := [][]string{{"providing", "service", "instance"}}
		for _, p := range providing {
			prows = append(prows, []string{p.Alias, fmt.Sprintf("%#04x", p.Service), fmt.Sprintf("%#04x", p.Instance)})
		}
		pterm.DefaultTable.WithHasHeader().WithData(prows).Render()
	}
	if len(required) > 0 {
		rrows := [][]string{{"required", "service", "instance"}}
		for _, r := range required {
			rrows = append(rrows, []string{r.Alias, fmt.Sprintf("%#04x", r.Service), fmt.Sprintf("%#04x", r.Instance)})
		}
		pterm.DefaultTable.WithHasHeader().WithData(rrows).Render()
	}

	pterm.Success.Println(fmt.Sprintf("instance %q running, press Ctrl+C to stop", instance))
}

func boolMark(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
