package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/datalayer-validator/internal/report"
)

func TestDecodeCommand(t *testing.T) {
	title := "Checkout"
	cases := []struct {
		name string
		raw  string
		want Command
	}{
		{"init", `{"action":"init"}`, InitCommand{}},
		{"back", `{"action":"navigation","command":"back"}`, NavigationCommand{Kind: NavigateBack}},
		{"forward", `{"action":"navigation","command":"forward"}`, NavigationCommand{Kind: NavigateForward}},
		{"reload", `{"action":"navigation","command":"reload"}`, NavigationCommand{Kind: NavigateReload}},
		{"goto", `{"action":"navigation","command":"goto","url":"https://shop.example.com/cart"}`, NavigationCommand{Kind: NavigateGoto, URL: "https://shop.example.com/cart"}},
		{"screenshot", `{"action":"capture","command":"screenshot"}`, CaptureCommand{Kind: CaptureScreenshot}},
		{"datalayer", `{"action":"capture","command":"datalayer"}`, CaptureCommand{Kind: CaptureDatalayer}},
		{"click", `{"action":"interaction","command":"click","x":0.25,"y":1}`, ClickCommand{X: 0.25, Y: 1}},
		{"click at origin", `{"action":"interaction","command":"click","x":0,"y":0}`, ClickCommand{}},
		{"type", `{"action":"interaction","command":"type","selector":"#email","text":"a@b.co"}`, TypeCommand{Selector: "#email", Text: "a@b.co"}},
		{"type empty text", `{"action":"interaction","command":"type","selector":"#q"}`, TypeCommand{Selector: "#q"}},
		{"check", `{"action":"validation","command":"check"}`, ValidationCheckCommand{}},
		{"stop", `{"action":"session","command":"stop"}`, StopCommand{}},
		{"report defaults", `{"action":"report","command":"generate"}`, ReportCommand{Options: report.DefaultOptions()}},
		{"report empty options", `{"action":"report","command":"generate","options":{}}`, ReportCommand{Options: report.DefaultOptions()}},
		{
			"report options",
			`{"action":"report","command":"generate","options":{"title":"Checkout","include_screenshots":false,"include_raw_data":false}}`,
			ReportCommand{Options: report.Options{Title: &title}},
		},
		{"extra fields ignored", `{"action":"init","client":"web","seq":4}`, InitCommand{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		for _, raw := range []string{
			`{"action":`,
			`[]`,
			`"init"`,
			`{}`,
			`{"action":""}`,
			`{"action":7}`,
			`{"action":"navigation","command":"goto"}`,
			`{"action":"interaction","command":"click","x":0.5}`,
			`{"action":"interaction","command":"click","x":"left","y":0.5}`,
			`{"action":"interaction","command":"type","text":"hi"}`,
			`{"action":"report","command":"generate","options":{"include_raw_data":"no"}}`,
		} {
			_, err := DecodeCommand([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedMessage, raw)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := DecodeCommand([]byte(`{"action":"teleport"}`))
		var unknown *UnknownActionError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "teleport", unknown.Action)
		assert.Equal(t, "unknown action: teleport", err.Error())
	})

	t.Run("unknown command", func(t *testing.T) {
		for raw, action := range map[string]Action{
			`{"action":"navigation","command":"sideways"}`: ActionNavigation,
			`{"action":"capture","command":"video"}`:       ActionCapture,
			`{"action":"interaction","command":"hover"}`:   ActionInteraction,
			`{"action":"validation","command":"rerun"}`:    ActionValidation,
			`{"action":"session","command":"pause"}`:       ActionSession,
			`{"action":"report","command":"delete"}`:       ActionReport,
			`{"action":"session"}`:                         ActionSession,
		} {
			_, err := DecodeCommand([]byte(raw))
			var unknown *UnknownCommandError
			require.ErrorAs(t, err, &unknown, raw)
			assert.Equal(t, action, unknown.Action)
		}
	})
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "navigation.goto", NavigationCommand{Kind: NavigateGoto}.Name())
	assert.Equal(t, "interaction.click", ClickCommand{}.Name())
	assert.Equal(t, "report.generate", ReportCommand{}.Name())
	assert.True(t, CaptureCommand{}.needsPage())
	assert.False(t, ValidationCheckCommand{}.needsPage())
	assert.False(t, InitCommand{}.needsPage())
}

func FuzzDecodeCommand(f *testing.F) {
	for _, seed := range []string{
		`{"action":"init"}`,
		`{"action":"navigation","command":"goto","url":"https://example.com"}`,
		`{"action":"interaction","command":"click","x":0.5,"y":0.5}`,
		`{"action":"report","command":"generate","options":{"title":null}}`,
		`{"action":"unknown"}`,
		`not json`,
		``,
	} {
		f.Add([]byte(seed))
	}
	f.Fuzz(func(t *testing.T, raw []byte) {
		cmd, err := DecodeCommand(raw)
		if err == nil {
			if cmd == nil {
				t.Fatalf("nil command without error for %q", raw)
			}
			return
		}
		if cmd != nil {
			t.Fatalf("command %v returned alongside error %v", cmd, err)
		}
		var unknownAction *UnknownActionError
		var unknownCommand *UnknownCommandError
		if !errors.Is(err, ErrMalformedMessage) && !errors.As(err, &unknownAction) && !errors.As(err, &unknownCommand) {
			t.Fatalf("unexpected error type %T: %v", err, err)
		}
	})
}
