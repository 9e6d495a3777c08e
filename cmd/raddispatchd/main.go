// Command raddispatchd is the engine's entry point (SPEC_FULL §11.5): it
// parses CLI flags, loads the TOML configuration, wires the network
// thread and its workers together, and runs until a termination signal
// arrives.
//
// Grounded on SPEC_FULL §11.5's own description of FreeRADIUS's
// radiusd.c: no example repo in the pack runs a long-lived network
// daemon from cmd/, so the process-lifecycle shape here (flag parsing,
// SIGHUP reload, SIGINT/SIGTERM graceful shutdown, PID file) follows
// that description directly. "Foreground-only" is an explicit,
// documented departure from radiusd's fork/exec double-daemonization:
// nothing in the pack or the standard library offers an idiomatic Go
// equivalent of that, so no run forks into the background. --foreground
// only chooses where output goes: with it, logs go to stderr and the PID
// file to the working directory; without it, both go under --log-dir.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cloudwego/raddispatchd/accounting/sqlstore"
	"github.com/cloudwego/raddispatchd/channel"
	"github.com/cloudwego/raddispatchd/config"
	"github.com/cloudwego/raddispatchd/logx"
	"github.com/cloudwego/raddispatchd/metrics"
	"github.com/cloudwego/raddispatchd/network"
	"github.com/cloudwego/raddispatchd/policy"
	"github.com/cloudwego/raddispatchd/policy/modules"
	"github.com/cloudwego/raddispatchd/radius"
	"github.com/cloudwego/raddispatchd/worker"
)

const (
	exitOK    = 0
	exitUsage = 1
	exitFatal = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cli, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	out, err := logOutput(cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	logx.SetOutput(out)
	logx.SetLevel(verbosity(cli.Verbose))
	log := logx.New("main", -1)

	configPath := filepath.Join(cli.ConfigDir, "raddispatchd.toml")
	v, err := config.Load(configPath, 0)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return exitFatal
	}
	store := config.NewStore(v)

	if pidErr := writePIDFile(cli); pidErr != nil {
		log.Warn().Err(pidErr).Msg("failed to write pid file")
	}

	netLog := logx.New("network", -1)
	netLog = netLog.Level(log.GetLevel())
	net, proxyClient, err := buildListeners(netLog, v)
	if err != nil {
		log.Error().Err(err).Msg("failed to start network thread")
		return exitFatal
	}
	defer net.Close()

	root, acctStore, err := buildPolicyTree(proxyClient)
	if err != nil {
		log.Error().Err(err).Msg("failed to build policy tree")
		return exitFatal
	}
	defer acctStore.Close()

	workerCount := runtime.GOMAXPROCS(0)
	if cli.SingleThread {
		workerCount = 1
	}
	workers, err := attachWorkers(net, root, v.MaxRequestTime, v.RejectDelay, workerCount)
	if err != nil {
		log.Error().Err(err).Msg("failed to start workers")
		return exitFatal
	}

	stop := make(chan struct{})

	if v.StatusServer {
		reg := prometheus.NewRegistry()
		net.SetMetrics(metrics.New(reg))
		statusSrv := metrics.NewServer(v.StatusServerAddr, reg)
		go func() {
			if srvErr := statusSrv.Run(context.Background()); srvErr != nil {
				log.Error().Err(srvErr).Msg("status server exited")
			}
		}()
	}

	reloader := config.NewReloader(store, func(gen int64) (*config.Version, error) {
		return config.Load(configPath, gen)
	})
	reloadStop := reloader.WatchSignals()
	go reloader.Run(stop)
	go logReloadErrors(log, reloader, stop)

	go net.Run(stop)
	for _, w := range workers {
		go w.Run(stop)
	}

	return waitForSignal(log, stop, reloadStop, cli.StatusLog)
}

func logReloadErrors(log zerolog.Logger, r *config.Reloader, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case err := <-r.Errs():
			log.Error().Err(err).Msg("configuration reload failed; keeping previous version")
		}
	}
}

// buildPolicyTree constructs a representative top-level policy (spec
// §4.4): Access-Request authenticates via PAP, Accounting-Request writes
// through the SQL accounting store, anything else is rejected. When
// proxyClient is non-nil (a role = "proxy" listener was configured),
// Access-Request falls through to a proxy branch on any PAP miss instead
// of rejecting outright, modeling a realm with no local users.
func buildPolicyTree(proxyClient modules.ProxyClient) (*policy.Node, *sqlstore.Store, error) {
	acctStore, err := sqlstore.Open("raddispatchd-accounting.db")
	if err != nil {
		return nil, nil, err
	}

	papActions := policy.DefaultActionTable()
	if proxyClient != nil {
		// No local record for this user: fall through to the proxy branch
		// instead of returning immediately, modeling a realm with no
		// local users of its own.
		papActions[policy.RCodeNotFound] = policy.PriorityAction(1)
	}
	authChildren := []*policy.Node{{
		Kind:    policy.KindModuleCall,
		Name:    "pap",
		Method:  modules.PAP{Passwords: map[string]string{}},
		Actions: papActions,
	}}
	if proxyClient != nil {
		authChildren = append(authChildren, &policy.Node{
			Kind:    policy.KindModuleCall,
			Name:    "proxy",
			Method:  modules.Proxy{Client: proxyClient},
			Actions: policy.DefaultActionTable(),
		})
	}
	authBranch := &policy.Node{Kind: policy.KindGroup, Name: "authenticate", Children: authChildren, Actions: policy.DefaultActionTable()}

	acctBranch := &policy.Node{
		Kind:    policy.KindModuleCall,
		Name:    "sql-accounting",
		Method:  modules.SQLAccounting{Store: acctStore},
		Actions: policy.DefaultActionTable(),
	}
	rejectBranch := &policy.Node{
		Kind:    policy.KindModuleCall,
		Name:    "reject",
		Method:  modules.Reject{},
		Actions: policy.DefaultActionTable(),
	}

	root := &policy.Node{
		Kind: policy.KindSwitch,
		Name: "by-request-code",
		SwitchKey: func(rc *policy.RequestContext) (string, error) {
			return rc.Packet.Code.String(), nil
		},
		Children: []*policy.Node{
			{Kind: policy.KindCase, CaseValue: radius.CodeAccessRequest.String(), Children: []*policy.Node{authBranch}},
			{Kind: policy.KindCase, CaseValue: radius.CodeAccountingRequest.String(), Children: []*policy.Node{acctBranch}},
			{Kind: policy.KindCase, CaseDefault: true, Children: []*policy.Node{rejectBranch}},
		},
		Actions: policy.DefaultActionTable(),
	}
	return root, acctStore, nil
}

// buildListeners opens every configured socket and registers it with a
// fresh network.Thread (spec §4.6). It returns the ProxyClient backing
// any role = "proxy" listener, or nil if none was configured, so the
// caller can wire it into the policy tree before workers start.
func buildListeners(log zerolog.Logger, v *config.Version) (*network.Thread, modules.ProxyClient, error) {
	net, err := network.New(log, v.MaxRequests)
	if err != nil {
		return nil, nil, err
	}

	var proxyClient modules.ProxyClient
	for _, lc := range v.Listeners {
		role, ok := parseRole(lc.Role)
		if !ok {
			continue
		}
		l, lerr := network.NewListener(role, lc.Address, v.CleanupDelay, v.StatusServer, lc.ClientAddrs())
		if lerr != nil {
			return nil, nil, lerr
		}
		var pt *network.ProxyTable
		if role == network.RoleProxy {
			pt = network.NewProxyTable(l.Conn(), l.LocalAddr(), network.ProxyOptions{
				RetryDelay:       v.ProxyRetryDelay,
				RetryCount:       v.ProxyRetryCount,
				DeadTime:         v.ProxyDeadTime,
				Synchronous:      v.ProxySynchronous,
				WakeAllIfAllDead: v.WakeAllIfAllDead,
			})
			proxyClient = pt
		}
		if aerr := net.AddListener(l, pt); aerr != nil {
			return nil, nil, aerr
		}
	}
	return net, proxyClient, nil
}

// attachWorkers starts workerCount workers against root and binds each
// one's channel to net (spec §4.3/§4.5).
func attachWorkers(net *network.Thread, root *policy.Node, requestTimeout, rejectDelay time.Duration, workerCount int) ([]*worker.Worker, error) {
	if workerCount < 1 {
		workerCount = 1
	}
	workers := make([]*worker.Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		w, err := worker.New(logx.New("worker", i), root, requestTimeout)
		if err != nil {
			return nil, err
		}
		w.SetRejectDelay(rejectDelay)
		ch := channel.New(1024, 1<<20, w.Signal(), net.UserEvent())
		w.Bind(ch)
		net.AddWorker(ch)
		workers = append(workers, w)
	}
	return workers, nil
}

func parseRole(s string) (network.Role, bool) {
	switch s {
	case "auth":
		return network.RoleAuth, true
	case "acct":
		return network.RoleAcct, true
	case "proxy":
		return network.RoleProxy, true
	default:
		return 0, false
	}
}

func writePIDFile(cli *config.CLI) error {
	dir := cli.LogDir
	if cli.Foreground {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "raddispatchd.pid")
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func logOutput(cli *config.CLI) (*os.File, error) {
	if cli.Foreground {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(cli.LogDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(cli.LogDir, "raddispatchd.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func verbosity(count int) logx.Level {
	switch {
	case count >= 2:
		return logx.LevelDebug
	case count == 1:
		return logx.LevelInfo
	default:
		return logx.LevelWarn
	}
}

func waitForSignal(log zerolog.Logger, stop chan<- struct{}, reloadStop func(), statusLog bool) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer reloadStop()

	var tickCh <-chan time.Time
	if statusLog {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case sig := <-sigCh:
			close(stop)
			if sig == syscall.SIGQUIT {
				log.Error().Str("signal", sig.String()).Msg("fatal shutdown signal")
				return exitFatal
			}
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return exitOK
		case <-tickCh:
			log.Info().Msg("status: running")
		}
	}
}
