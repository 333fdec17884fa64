// Command audioclient streams a WAV file to a running service instance
// and prints the transcription messages it gets back. Useful for manual
// end-to-end testing against the real provider.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time capture.
// At 16kHz 16-bit mono = 32000 bytes/second; 100ms chunks = 3200 bytes.
const chunkSize = 3200
const chunkIntervalMs = 100

type clientCommand struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type serverMessage struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"sessionId"`
	Message         string   `json:"message"`
	Text            string   `json:"text"`
	Speaker         string   `json:"speaker"`
	IsFinal         *bool    `json:"isFinal"`
	FinalTranscript string   `json:"finalTranscript"`
	Duration        *float64 `json:"duration"`
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/stream", "Websocket stream URL")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}
	if sampleRate != 16000 {
		log.Printf("Warning: Sample rate is %d Hz, expected 16000 Hz", sampleRate)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", *serverURL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg serverMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "ready":
				log.Printf("Session ready: %s", msg.SessionID)
			case "transcription":
				if msg.IsFinal != nil && *msg.IsFinal {
					log.Printf("FINAL   %s: %s", msg.Speaker, msg.Text)
				} else {
					log.Printf("partial %s", msg.Text)
				}
			case "recording_stopped":
				duration := 0.0
				if msg.Duration != nil {
					duration = *msg.Duration
				}
				log.Printf("Recording stopped after %.1fs, transcript:\n%s", duration, msg.FinalTranscript)
				return
			case "error", "warning":
				log.Printf("%s: %s", msg.Type, msg.Message)
			default:
				log.Printf("%s", msg.Type)
			}
		}
	}()

	send := func(cmd clientCommand) {
		payload, _ := json.Marshal(cmd)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Fatalf("Failed to send %s: %v", cmd.Type, err)
		}
	}

	send(clientCommand{Type: "start_recording"})

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)

		send(clientCommand{
			Type: "audio_chunk",
			Data: base64.StdEncoding.EncodeToString(audioChunk[:n]),
		})

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		// Simulate real-time capture pace.
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))

	// Give the provider a moment to finalize the trailing turn.
	time.Sleep(2 * time.Second)
	send(clientCommand{Type: "stop_recording"})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("Timed out waiting for final transcript")
	}
}
