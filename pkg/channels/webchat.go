package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/gorilla/websocket"

	"github.com/sipeed/picochat/pkg/logger"
	"github.com/sipeed/picochat/pkg/widget"
)

const (
	wsWriteTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// WebChatChannel serves the widget to a browser. All tabs share one
// controller, so they see the same transcript and the same session identity.
type WebChatChannel struct {
	*BaseChannel
	addr       string
	title      string
	markdown   bool
	onListen   func(url string)
	transcript *widget.Transcript
	upgrader   websocket.Upgrader

	server   *http.Server
	listener net.Listener
	ctx      context.Context
	initOnce sync.Once

	// mu orders transcript updates against client registration so a new
	// socket never misses or duplicates a frame.
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type WebChatOptions struct {
	Addr     string
	Markdown bool
	// OnListen is called with the page URL once the server accepts connections.
	OnListen func(url string)
}

// webMessage is a transcript entry as the page renders it.
type webMessage struct {
	Role    widget.Role `json:"role"`
	Content string      `json:"content"`
	HTML    string      `json:"html,omitempty"`
	Time    string      `json:"time,omitempty"`
}

// serverFrame is pushed to every connected socket.
type serverFrame struct {
	Type    string      `json:"type"`
	Message *webMessage `json:"message,omitempty"`
}

// clientFrame is what the page sends: load, click or keydown.
type clientFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Key   string `json:"key"`
	Shift bool   `json:"shift"`
}

type pollResponse struct {
	UserID      string       `json:"user_id"`
	Busy        bool         `json:"busy"`
	Placeholder bool         `json:"placeholder"`
	Messages    []webMessage `json:"messages"`
}

type sendRequest struct {
	Message string `json:"message"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsClient) write(f serverFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(f)
}

func NewWebChatChannel(deps Deps, opts WebChatOptions) *WebChatChannel {
	c := &WebChatChannel{
		BaseChannel: NewBaseChannel("webchat"),
		addr:        opts.Addr,
		title:       deps.Title,
		markdown:    opts.Markdown,
		onListen:    opts.OnListen,
		transcript:  widget.NewTranscript(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:     context.Background(),
		clients: make(map[*wsClient]struct{}),
	}
	c.bind(deps, c)
	return c
}

// Handler returns the router serving the page, the socket and the JSON API.
func (c *WebChatChannel) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", c.handleUI)
	r.Get("/ws", c.handleWS)
	r.Get("/healthz", c.handleHealth)
	r.Route("/chat", func(r chi.Router) {
		r.Get("/poll", c.handlePoll)
		// a form or text/plain post from another site is refused
		r.With(middleware.AllowContentType("application/json")).Post("/send", c.handleSend)
	})
	return r
}

// prepare binds the channel to ctx and runs the widget load step once.
func (c *WebChatChannel) prepare(ctx context.Context) {
	c.initOnce.Do(func() {
		c.ctx = ctx
		c.controller.Handle(ctx, widget.Event{Kind: widget.EventLoad})
	})
}

func (c *WebChatChannel) Start(ctx context.Context) error {
	c.prepare(ctx)

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.addr, err)
	}
	c.listener = ln
	c.server = &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}
	c.setRunning(true)

	logger.InfoCF("webchat", "WebChat started", map[string]interface{}{"addr": ln.Addr().String()})

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("webchat", "WebChat server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	if c.onListen != nil {
		c.onListen(c.URL())
	}
	return nil
}

// URL is the address the page is reachable at once started.
func (c *WebChatChannel) URL() string {
	addr := c.addr
	if c.listener != nil {
		addr = c.listener.Addr().String()
	}
	return "http://" + addr + "/"
}

func (c *WebChatChannel) Stop(ctx context.Context) error {
	c.setRunning(false)

	var err error
	if c.server != nil {
		err = c.server.Shutdown(ctx)
	}

	c.mu.Lock()
	for cl := range c.clients {
		cl.conn.Close()
		delete(c.clients, cl)
	}
	c.mu.Unlock()

	c.controller.Wait()
	return err
}

// Run serves until ctx is cancelled.
func (c *WebChatChannel) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Stop(stopCtx)
}

func (c *WebChatChannel) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webChatPage.Execute(w, struct{ Title string }{c.title}); err != nil {
		logger.ErrorCF("webchat", "Failed to render page", map[string]interface{}{"error": err.Error()})
	}
}

func (c *WebChatChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"user_id": c.controller.UserID(),
		"busy":    c.controller.Busy(),
	})
}

func (c *WebChatChannel) handlePoll(w http.ResponseWriter, r *http.Request) {
	snap := c.transcript.Snapshot()
	resp := pollResponse{
		UserID:      c.controller.UserID(),
		Busy:        c.controller.Busy(),
		Placeholder: snap.Placeholder,
		Messages:    make([]webMessage, 0, len(snap.Messages)),
	}
	for _, m := range snap.Messages {
		resp.Messages = append(resp.Messages, c.toWeb(m))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSend submits a message like a click on the send button. The reply
// arrives asynchronously through the socket or the next poll.
func (c *WebChatChannel) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	accepted := c.controller.Handle(c.ctx, widget.Event{Kind: widget.EventClick, Text: req.Message})
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

func (c *WebChatChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("webchat", "WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	cl := &wsClient{conn: conn}
	defer c.drop(cl)

	logger.DebugCF("webchat", "WebSocket connected", map[string]interface{}{"remote": r.RemoteAddr})

	for {
		var in clientFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCF("webchat", "WebSocket read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		switch in.Type {
		case "load":
			if err := c.attach(cl); err != nil {
				return
			}
		case "click":
			c.controller.Handle(c.ctx, widget.Event{Kind: widget.EventClick, Text: in.Text})
		case "keydown":
			c.controller.Handle(c.ctx, widget.Event{Kind: widget.EventKey, Key: in.Key, Shift: in.Shift, Text: in.Text})
		default:
			logger.DebugCF("webchat", "Ignoring unknown frame", map[string]interface{}{"type": in.Type})
		}
	}
}

// attach replays the transcript to cl and subscribes it to further frames.
func (c *WebChatChannel) attach(cl *wsClient) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.transcript.Snapshot()
	for _, m := range snap.Messages {
		wm := c.toWeb(m)
		if err := cl.write(serverFrame{Type: "append", Message: &wm}); err != nil {
			return err
		}
	}
	if snap.Placeholder {
		if err := cl.write(serverFrame{Type: "placeholder"}); err != nil {
			return err
		}
	}
	if err := cl.write(serverFrame{Type: "scroll"}); err != nil {
		return err
	}
	c.clients[cl] = struct{}{}
	return nil
}

func (c *WebChatChannel) drop(cl *wsClient) {
	c.mu.Lock()
	delete(c.clients, cl)
	c.mu.Unlock()
	cl.conn.Close()
}

// render applies a transcript change and pushes the matching frame while
// holding mu.
func (c *WebChatChannel) render(apply func(), f serverFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	apply()
	for cl := range c.clients {
		if err := cl.write(f); err != nil {
			logger.DebugCF("webchat", "Dropping client", map[string]interface{}{"error": err.Error()})
			delete(c.clients, cl)
			cl.conn.Close()
		}
	}
}

func (c *WebChatChannel) AppendMessage(msg widget.Message) {
	wm := c.toWeb(msg)
	c.render(func() { c.transcript.AppendMessage(msg) }, serverFrame{Type: "append", Message: &wm})
}

func (c *WebChatChannel) ShowPlaceholder() {
	c.render(c.transcript.ShowPlaceholder, serverFrame{Type: "placeholder"})
}

func (c *WebChatChannel) RemovePlaceholder() {
	c.render(c.transcript.RemovePlaceholder, serverFrame{Type: "remove_placeholder"})
}

func (c *WebChatChannel) ClearInput() {
	c.render(c.transcript.ClearInput, serverFrame{Type: "clear_input"})
}

func (c *WebChatChannel) ScrollToEnd() {
	c.render(c.transcript.ScrollToEnd, serverFrame{Type: "scroll"})
}

func (c *WebChatChannel) Focus() {
	c.render(c.transcript.Focus, serverFrame{Type: "focus"})
}

func (c *WebChatChannel) toWeb(m widget.Message) webMessage {
	wm := webMessage{Role: m.Role, Content: m.Content, Time: m.Label()}
	if c.markdown && m.Role == widget.RoleBot {
		wm.HTML = renderMarkdown(m.Content)
	}
	return wm
}

// renderMarkdown converts a bot reply to HTML. Raw HTML in the reply is
// dropped and links to anything but safe protocols are rendered as text.
func renderMarkdown(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	r := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.SkipHTML | html.Safelink |
			html.NofollowLinks | html.NoreferrerLinks | html.NoopenerLinks | html.HrefTargetBlank,
	})
	return string(markdown.ToHTML([]byte(md), p, r))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

var webChatPage = template.Must(template.New("webchat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.Title}}</title>
<style>
:root{
  --bg:#f5f6fa;--panel:#fff;--border:#e2e4ec;--accent:#6c5ce7;
  --text:#1f2230;--muted:#8b8a97;--error:#d64545;--radius:12px;
}
*{box-sizing:border-box;margin:0;padding:0}
html,body{height:100%}
body{font-family:system-ui,-apple-system,sans-serif;background:var(--bg);color:var(--text);display:flex;flex-direction:column}
#header{padding:14px 20px;background:var(--panel);border-bottom:1px solid var(--border);font-weight:600}
#chat-messages{flex:1;overflow-y:auto;padding:20px;display:flex;flex-direction:column;gap:12px;scroll-behavior:smooth}
.message{max-width:72%;padding:10px 14px;border-radius:var(--radius);line-height:1.55;font-size:14px;word-wrap:break-word}
.message.user{align-self:flex-end;background:var(--accent);color:#fff;border-bottom-right-radius:4px}
.message.bot{align-self:flex-start;background:var(--panel);border:1px solid var(--border);border-bottom-left-radius:4px}
.message.bot-error{align-self:flex-start;background:#fdecec;color:var(--error);border:1px solid #f5c2c2}
.message.system{align-self:center;background:none;color:var(--muted);font-size:13px}
.message-content{white-space:pre-wrap}
.message.bot .message-content.rich{white-space:normal}
.message-time{display:block;font-size:11px;color:var(--muted);margin-top:4px}
.message.user .message-time{color:rgba(255,255,255,.6)}
.message.loading .message-content span{display:inline-block;width:6px;height:6px;margin-right:4px;border-radius:50%;background:var(--accent);opacity:.4;animation:bounce .6s infinite alternate}
.message.loading .message-content span:nth-child(2){animation-delay:.15s}
.message.loading .message-content span:nth-child(3){animation-delay:.3s}
#input-area{display:flex;gap:8px;padding:14px 20px;background:var(--panel);border-top:1px solid var(--border)}
#message-input{flex:1;padding:10px 12px;border:1px solid var(--border);border-radius:10px;font:inherit;resize:none;outline:none}
#message-input:focus{border-color:var(--accent)}
#send-button{padding:0 18px;border:none;border-radius:10px;background:var(--accent);color:#fff;font:inherit;cursor:pointer}
@keyframes bounce{from{transform:translateY(0)}to{transform:translateY(-4px);opacity:1}}
@media(prefers-reduced-motion:reduce){.message.loading .message-content span{animation:none;opacity:.8}}
</style>
</head>
<body>
<div id="header">{{.Title}}</div>
<div id="chat-messages"></div>
<div id="input-area">
  <textarea id="message-input" rows="1" placeholder="Type your message..." aria-label="Chat message input"></textarea>
  <button id="send-button" aria-label="Send message">Send</button>
</div>
<script>
const msgs=document.getElementById("chat-messages"),
      input=document.getElementById("message-input"),
      btn=document.getElementById("send-button");
let ws;
function addMessage(m){
  const row=document.createElement("div");row.className="message "+m.role;
  const body=document.createElement("div");body.className="message-content";
  if(m.html){body.classList.add("rich");body.innerHTML=m.html}else{body.textContent=m.content}
  row.appendChild(body);
  if(m.time){const t=document.createElement("span");t.className="message-time";t.textContent=m.time;row.appendChild(t)}
  msgs.appendChild(row);
}
function showLoading(){
  if(document.getElementById("loading-indicator"))return;
  const row=document.createElement("div");row.className="message bot loading";row.id="loading-indicator";
  row.innerHTML='<div class="message-content"><span></span><span></span><span></span></div>';
  msgs.appendChild(row);
}
function hideLoading(){const el=document.getElementById("loading-indicator");if(el)el.remove()}
const handlers={
  append:f=>{const l=document.getElementById("loading-indicator");addMessage(f.message);if(l)msgs.appendChild(l)},
  placeholder:showLoading,
  remove_placeholder:hideLoading,
  clear_input:()=>{input.value=""},
  scroll:()=>{msgs.scrollTop=msgs.scrollHeight},
  focus:()=>input.focus()
};
function connect(){
  msgs.innerHTML="";
  ws=new WebSocket((location.protocol==="https:"?"wss://":"ws://")+location.host+"/ws");
  ws.onopen=()=>ws.send(JSON.stringify({type:"load"}));
  ws.onmessage=e=>{const f=JSON.parse(e.data);const h=handlers[f.type];if(h)h(f)};
  ws.onclose=()=>setTimeout(connect,2000);
}
btn.onclick=()=>ws.send(JSON.stringify({type:"click",text:input.value}));
input.onkeydown=e=>{
  if(e.key!=="Enter")return;
  if(!e.shiftKey)e.preventDefault();
  ws.send(JSON.stringify({type:"keydown",key:e.key,shift:e.shiftKey,text:input.value}));
};
connect();
</script>
</body>
</html>`))
