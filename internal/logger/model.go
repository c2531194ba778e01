package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// Model call dump: a dedicated writer so full prompts and raw model output
// can be captured for audit without flooding the main log.

var (
	modelMu  sync.Mutex
	modelLog *log.Logger
)

func SetModelDumpWriter(w io.Writer) {
	modelMu.Lock()
	defer modelMu.Unlock()
	if w == nil {
		modelLog = nil
		return
	}
	modelLog = log.New(w, "", log.LstdFlags)
}

type modelSection struct {
	Title string
	Body  string
}

func logModel(kind, provider string, sections []modelSection) {
	modelMu.Lock()
	l := modelLog
	modelMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[MODEL]")
	if kind != "" {
		b.WriteString("[")
		b.WriteString(kind)
		b.WriteString("]")
	}
	if provider != "" {
		b.WriteString("[")
		b.WriteString(provider)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		title := strings.TrimSpace(sec.Title)
		if title == "" {
			title = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(title)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogModelRequest(provider, systemPrompt, userPrompt string) {
	logModel("request", provider, []modelSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	})
}

func LogModelResponse(provider, raw string) {
	logModel("response", provider, []modelSection{{Title: "RAW", Body: raw}})
}
