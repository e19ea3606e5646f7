package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taskfabric/fabric/internal/config"
)

// runStatusCommand implements `fabricd status [-watch]`: a one-shot
// status fetch over the gateway, or a live-updating terminal dashboard
// with -watch.
func runStatusCommand(ctx context.Context, configPath string, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "open a live-updating terminal dashboard instead of printing once")
	token := fs.String("token", "", "gateway auth token (default: FABRIC_GATEWAY_AUTH_TOKEN env var)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	addr := strings.TrimSpace(cfg.Gateway.Addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	authToken := strings.TrimSpace(*token)
	if authToken == "" {
		authToken = strings.TrimSpace(os.Getenv("FABRIC_GATEWAY_AUTH_TOKEN"))
	}
	if authToken == "" {
		authToken = cfg.Gateway.AuthToken
	}

	if *watch {
		return runStatusDashboard(ctx, addr, authToken)
	}
	return printHealthzOnce(ctx, addr)
}

func printHealthzOnce(ctx context.Context, addr string) int {
	healthURL := "http://" + addr + "/healthz"
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// statusSnapshot is what system.status returns, mirrored here rather
// than imported from internal/gateway (the RPC response is a bare
// map[string]any on the wire; cmd is the only caller that needs a typed
// view of it).
type statusSnapshot struct {
	QueueDepth   int    `json:"queue_depth"`
	RunningTasks int    `json:"running_tasks"`
	PendingWork  int    `json:"pending_work"`
	InflightWork int    `json:"inflight_work"`
	Error        string `json:"-"`
}

type statusTickMsg statusSnapshot

func fetchStatus(addr, authToken string) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchStatusOnce(addr, authToken)
		if err != nil {
			snap.Error = err.Error()
		}
		return statusTickMsg(snap)
	}
}

func fetchStatusOnce(addr, authToken string) (statusSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return statusSnapshot{}, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := map[string]any{"jsonrpc": "2.0", "id": "status-1", "method": "system.status"}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return statusSnapshot{}, fmt.Errorf("write request: %w", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return statusSnapshot{}, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return statusSnapshot{}, fmt.Errorf("system.status: %s", resp.Error.Message)
	}
	var snap statusSnapshot
	if err := json.Unmarshal(resp.Result, &snap); err != nil {
		return statusSnapshot{}, fmt.Errorf("decode result: %w", err)
	}
	return snap, nil
}

var (
	dashboardTitleStyle = lipgloss.NewStyle().Bold(true)
	dashboardLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dashboardErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type dashboardModel struct {
	addr      string
	authToken string
	snapshot  statusSnapshot
	lastErr   string
	quit      bool
}

func newDashboardModel(addr, authToken string) dashboardModel {
	return dashboardModel{addr: addr, authToken: authToken}
}

func (m dashboardModel) Init() tea.Cmd {
	return fetchStatus(m.addr, m.authToken)
}

// scheduleNextFetch waits out the poll interval, then performs the next
// fetch; both steps run on Bubbletea's command goroutine, never on the
// Update/View thread.
func (m dashboardModel) scheduleNextFetch() tea.Cmd {
	addr, token := m.addr, m.authToken
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		snap, err := fetchStatusOnce(addr, token)
		if err != nil {
			snap.Error = err.Error()
		}
		return statusTickMsg(snap)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quit = true
			return m, tea.Quit
		}
	case statusTickMsg:
		if msg.Error != "" {
			m.lastErr = msg.Error
		} else {
			m.lastErr = ""
			m.snapshot = statusSnapshot(msg)
		}
		return m, m.scheduleNextFetch()
	}
	return m, nil
}

func (m dashboardModel) View() string {
	if m.quit {
		return ""
	}
	var b strings.Builder
	b.WriteString(dashboardTitleStyle.Render("fabricd status") + "\n\n")
	fmt.Fprintf(&b, "  %s %s\n", dashboardLabelStyle.Render("gateway:"), m.addr)
	fmt.Fprintf(&b, "  %s %d\n", dashboardLabelStyle.Render("queue depth:"), m.snapshot.QueueDepth)
	fmt.Fprintf(&b, "  %s %d\n", dashboardLabelStyle.Render("running tasks:"), m.snapshot.RunningTasks)
	fmt.Fprintf(&b, "  %s %d\n", dashboardLabelStyle.Render("pending work:"), m.snapshot.PendingWork)
	fmt.Fprintf(&b, "  %s %d\n", dashboardLabelStyle.Render("inflight work:"), m.snapshot.InflightWork)
	if m.lastErr != "" {
		b.WriteString("\n" + dashboardErrorStyle.Render("error: "+m.lastErr) + "\n")
	}
	b.WriteString("\n  (press q to quit)\n")
	return b.String()
}

func runStatusDashboard(ctx context.Context, addr, authToken string) int {
	p := tea.NewProgram(newDashboardModel(addr, authToken))
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		return 1
	}
	return 0
}
