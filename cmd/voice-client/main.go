// voice-client posts one conversational turn to a running voice agent and
// saves the spoken reply.
//
// Usage:
//
//	voice-client -server http://localhost:8000 -text "hello"
//	voice-client -audio question.wav -session demo -out reply.wav
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

func main() {
	var (
		serverURL string
		audioPath string
		format    string
		text      string
		sessionID string
		outPath   string
		timeout   time.Duration
	)
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "base URL of the voice agent")
	flag.StringVar(&audioPath, "audio", "", "path to an audio file to send")
	flag.StringVar(&format, "format", "", "audio encoding: wav, pcm16, ulaw or alaw (default auto-detect)")
	flag.StringVar(&text, "text", "", "text input; takes precedence over audio")
	flag.StringVar(&sessionID, "session", "", "session id for conversation continuity")
	flag.StringVar(&outPath, "out", "reply.wav", "where to save the synthesized reply")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	flag.Parse()

	if audioPath == "" && text == "" {
		fmt.Fprintln(os.Stderr, "need -audio or -text")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(serverURL, audioPath, format, text, sessionID, outPath, timeout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(serverURL, audioPath, format, text, sessionID, outPath string, timeout time.Duration) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if text != "" {
		if err := mw.WriteField("text", text); err != nil {
			return fmt.Errorf("write text field: %w", err)
		}
	}
	if format != "" {
		if err := mw.WriteField("format", format); err != nil {
			return fmt.Errorf("write format field: %w", err)
		}
	}
	if audioPath != "" {
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
		if err != nil {
			return fmt.Errorf("create file part: %w", err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("write file part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/chat", &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post turn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	reply, err := url.QueryUnescape(resp.Header.Get("X-Assistant-Text"))
	if err != nil {
		reply = resp.Header.Get("X-Assistant-Text")
	}
	fmt.Println("assistant:", reply)
	if resp.Header.Get("X-Degraded") == "true" {
		fmt.Println("(degraded response)")
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read reply audio: %w", err)
	}
	if err := os.WriteFile(outPath, audio, 0o644); err != nil {
		return fmt.Errorf("save reply audio: %w", err)
	}
	fmt.Printf("saved %d bytes of audio to %s\n", len(audio), outPath)
	return nil
}
