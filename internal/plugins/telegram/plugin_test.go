package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/chorus/internal/channels"
	"github.com/crystaldolphin/chorus/internal/config"
	"github.com/crystaldolphin/chorus/internal/diagnostics"
	"github.com/crystaldolphin/chorus/internal/outbound"
)

// fakeAPI is a minimal Bot API server. reply picks the JSON body for each
// method call; calls records the form of every call.
type fakeAPI struct {
	srv   *httptest.Server
	mu    sync.Mutex
	calls []call
	reply func(method string, form map[string]string) string
}

type call struct {
	method string
	form   map[string]string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call{method, form})
		reply := f.reply
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if method == "getMe" {
			fmt.Fprint(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Chorus","username":"chorus_bot"}}`)
			return
		}
		if reply != nil {
			fmt.Fprint(w, reply(method, form))
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":42,"type":"private"}}}`)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) factory() BotFactory {
	return func(token string) (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPIWithClient(token, f.srv.URL+"/bot%s/%s", f.srv.Client())
	}
}

func (f *fakeAPI) sent(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.Telegram.AllowFrom = []string{"42", "@Alice"}
	return &cfg
}

func TestResolveTarget(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name   string
		req    channels.TargetRequest
		to     string
		policy string
	}{
		{"numeric chat", channels.TargetRequest{To: "-100123", Mode: channels.TargetExplicit}, "-100123", ""},
		{"prefixed chat", channels.TargetRequest{To: "telegram:42", Mode: channels.TargetExplicit}, "42", ""},
		{"channel username", channels.TargetRequest{To: "@chorus_news", Mode: channels.TargetExplicit}, "@chorus_news", ""},
		{"bad format", channels.TargetRequest{To: "not a chat", Mode: channels.TargetExplicit}, "", channels.PolicyFormat},
		{"implicit falls back", channels.TargetRequest{AllowFrom: cfg.Channels.Telegram.AllowFrom, Mode: channels.TargetImplicit}, "42", ""},
		{"explicit needs target", channels.TargetRequest{AllowFrom: cfg.Channels.Telegram.AllowFrom, Mode: channels.TargetExplicit}, "", channels.PolicyMissingTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Cfg = cfg
			res := resolveTarget(tt.req)
			if tt.policy == "" {
				require.True(t, res.OK, "err: %v", res.Err)
				assert.Equal(t, tt.to, res.To)
				return
			}
			var rejected *channels.TargetRejectedError
			require.ErrorAs(t, res.Err, &rejected)
			assert.Equal(t, tt.policy, rejected.Policy)
		})
	}
}

func TestSendText_HTML(t *testing.T) {
	api := newFakeAPI(t)
	p := New(WithBotFactory(api.factory()))

	res, err := p.Outbound.SendText(context.Background(), channels.OutboundContext{
		Cfg: testConfig(), AccountId: "default", To: "42", Text: "**hi** <there>",
	})
	require.NoError(t, err)
	assert.Equal(t, "7", res.MessageID)
	assert.Equal(t, "42", res.ChatID)

	calls := api.sent("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "HTML", calls[0].form["parse_mode"])
	assert.Equal(t, "<b>hi</b> &lt;there&gt;", calls[0].form["text"])
}

func TestSendText_FallsBackToPlainText(t *testing.T) {
	api := newFakeAPI(t)
	api.reply = func(_ string, form map[string]string) string {
		if form["parse_mode"] == "HTML" {
			return `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`
		}
		return `{"ok":true,"result":{"message_id":8,"chat":{"id":42,"type":"private"}}}`
	}
	p := New(WithBotFactory(api.factory()))

	res, err := p.Outbound.SendText(context.Background(), channels.OutboundContext{
		Cfg: testConfig(), AccountId: "default", To: "42", Text: "**x",
	})
	require.NoError(t, err)
	assert.Equal(t, "8", res.MessageID)

	calls := api.sent("sendMessage")
	require.Len(t, calls, 2)
	assert.Equal(t, "**x", calls[1].form["text"])
	assert.Empty(t, calls[1].form["parse_mode"])
}

func TestSendText_EscapedChunkOverLimitGoesPlain(t *testing.T) {
	api := newFakeAPI(t)
	p := New(WithBotFactory(api.factory()))

	// 4000 runes of raw text, well over 4096 once escaped.
	text := strings.Repeat("<", textChunkLimit)
	_, err := p.Outbound.SendText(context.Background(), channels.OutboundContext{
		Cfg: testConfig(), AccountId: "default", To: "42", Text: text,
	})
	require.NoError(t, err)

	calls := api.sent("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, text, calls[0].form["text"])
	assert.Empty(t, calls[0].form["parse_mode"])
}

func TestSendText_TooLongHTMLFallsBackToPlainText(t *testing.T) {
	api := newFakeAPI(t)
	api.reply = func(_ string, form map[string]string) string {
		if form["parse_mode"] == "HTML" {
			return `{"ok":false,"error_code":400,"description":"Bad Request: message is too long"}`
		}
		return `{"ok":true,"result":{"message_id":9,"chat":{"id":42,"type":"private"}}}`
	}
	p := New(WithBotFactory(api.factory()))

	res, err := p.Outbound.SendText(context.Background(), channels.OutboundContext{
		Cfg: testConfig(), AccountId: "default", To: "42", Text: "**bold** & more",
	})
	require.NoError(t, err)
	assert.Equal(t, "9", res.MessageID)

	calls := api.sent("sendMessage")
	require.Len(t, calls, 2)
	assert.Equal(t, "**bold** & more", calls[1].form["text"])
	assert.Empty(t, calls[1].form["parse_mode"])
}

func TestSendText_ErrorClassification(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{429, true},
		{502, true},
		{403, false},
		{400, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			api := newFakeAPI(t)
			api.reply = func(string, map[string]string) string {
				return fmt.Sprintf(`{"ok":false,"error_code":%d,"description":"nope"}`, tt.code)
			}
			p := New(WithBotFactory(api.factory()))
			_, err := p.Outbound.SendText(context.Background(), channels.OutboundContext{
				Cfg: testConfig(), AccountId: "default", To: "42", Text: "hi",
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, outbound.IsTransient(err))
		})
	}
}

func TestSendMedia_PhotoOrDocument(t *testing.T) {
	api := newFakeAPI(t)
	p := New(WithBotFactory(api.factory()))
	cfg := testConfig()

	_, err := p.Outbound.SendMedia(context.Background(), channels.OutboundContext{
		Cfg: cfg, AccountId: "default", To: "42", Text: "look", MediaURL: "https://x.test/cat.PNG?size=1",
	})
	require.NoError(t, err)
	_, err = p.Outbound.SendMedia(context.Background(), channels.OutboundContext{
		Cfg: cfg, AccountId: "default", To: "42", MediaURL: "https://x.test/report.pdf",
	})
	require.NoError(t, err)

	photos := api.sent("sendPhoto")
	require.Len(t, photos, 1)
	assert.Equal(t, "look", photos[0].form["caption"])
	assert.Equal(t, "https://x.test/cat.PNG?size=1", photos[0].form["photo"])
	require.Len(t, api.sent("sendDocument"), 1)
}

func TestSendPoll(t *testing.T) {
	api := newFakeAPI(t)
	p := New(WithBotFactory(api.factory()))

	_, err := p.Outbound.SendPoll(context.Background(), channels.OutboundContext{
		Cfg: testConfig(), AccountId: "default", To: "42",
	}, channels.Poll{Question: "Lunch?", Options: []string{"pizza", "sushi"}, MaxSelections: 2})
	require.NoError(t, err)

	polls := api.sent("sendPoll")
	require.Len(t, polls, 1)
	assert.Equal(t, "Lunch?", polls[0].form["question"])
	assert.Equal(t, "true", polls[0].form["allows_multiple_answers"])
}

func TestDeliver_ThroughOrchestrator(t *testing.T) {
	api := newFakeAPI(t)
	registry := channels.NewRegistry(nil)
	require.NoError(t, registry.Register(New(WithBotFactory(api.factory()))))
	events := diagnostics.NewBus(diagnostics.WithSubscriberTimeout(0))
	rec := &diagnostics.Recorder{}
	events.Subscribe(rec.Handle)
	orch := outbound.NewOrchestrator(registry, events)

	long := strings.Repeat("word ", 1000) // ~5000 runes, two chunks
	res, err := orch.Deliver(context.Background(), outbound.Request{
		Cfg: testConfig(), Channel: ID, To: "42", Mode: channels.TargetExplicit,
		Payload: channels.Payload{Text: long},
	})
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)
	assert.Equal(t, channels.DeliveryDirect, res.Mode)
	assert.Len(t, api.sent("sendMessage"), 2)
	assert.Len(t, rec.OfType(diagnostics.TypeDeliverySent), 2)
}

func TestProbe(t *testing.T) {
	api := newFakeAPI(t)
	p := New(WithBotFactory(api.factory()))
	acct, err := channels.ResolveAccount(p, testConfig(), "default")
	require.NoError(t, err)

	res, err := p.Status.ProbeAccount(context.Background(), acct, time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "chorus_bot", res.Meta["username"])

	self, err := p.Directory.Self(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "@chorus_bot", self.Handle)
}

func TestProbe_Unconfigured(t *testing.T) {
	p := New(WithBotFactory(func(string) (*tgbotapi.BotAPI, error) {
		return nil, errors.New("should not be called")
	}))
	cfg := testConfig()
	cfg.Channels.Telegram.Token = ""
	acct, err := channels.ResolveAccount(p, cfg, "default")
	require.NoError(t, err)
	assert.False(t, acct.Configured)

	res, err := p.Status.ProbeAccount(context.Background(), acct, time.Second)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestSetup(t *testing.T) {
	p := New()
	cfg := config.DefaultConfig()

	assert.Error(t, p.Setup.ValidateInput("default", channels.SetupInput{}))
	assert.Error(t, p.Setup.ValidateInput("default", channels.SetupInput{Token: "nope"}))

	token := "123456:ABCdefGHIjklMNOpqrSTUvwxYZ"
	require.NoError(t, p.Setup.ApplyAccountConfig(&cfg, "", channels.SetupInput{Token: token}))
	assert.True(t, cfg.Channels.Telegram.Enabled)
	assert.Equal(t, token, cfg.Channels.Telegram.Token)

	require.NoError(t, p.Setup.ApplyAccountConfig(&cfg, "Work", channels.SetupInput{Token: token, Name: "Work bot"}))
	assert.Equal(t, "Work bot", cfg.Channels.Telegram.Accounts["work"].Name)

	require.NoError(t, p.Config.SetAccountEnabled(&cfg, "work", false))
	acct, err := channels.ResolveAccount(p, &cfg, "work")
	require.NoError(t, err)
	assert.False(t, acct.Enabled)
}

func TestNormalizeAllowEntry(t *testing.T) {
	assert.Equal(t, "alice", normalizeAllowEntry("@Alice"))
	assert.Equal(t, "12345", normalizeAllowEntry("tg:12345"))
	assert.Equal(t, "bob", normalizeAllowEntry(" Telegram:@bob "))
}

func TestSecurity(t *testing.T) {
	p := New()
	open := channels.Account{}
	assert.Equal(t, "open", p.Security.ResolveDMPolicy(open).Policy)
	assert.NotEmpty(t, p.Security.CollectWarnings(open))

	locked := channels.Account{AllowFrom: []string{"42"}}
	assert.Equal(t, "allowlist", p.Security.ResolveDMPolicy(locked).Policy)
	assert.Empty(t, p.Security.CollectWarnings(locked))
}

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"# Title", "Title"},
		{"a & b", "a &amp; b"},
		{"[docs](https://x.test)", `<a href="https://x.test">docs</a>`},
		{"__bold__ and ~~gone~~", "<b>bold</b> and <s>gone</s>"},
		{"- one\n* two", "• one\n• two"},
		{"use `a<b`", "use <code>a&lt;b</code>"},
		{"```go\nx := **1**\n```", "<pre><code>x := **1**\n</code></pre>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, markdownToTelegramHTML(tt.in), tt.in)
	}
}
