package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver for the session store
)

var ErrNotConnected = errors.New("whatsapp session not connected")

// WhatsAppClient sends text messages through a paired WhatsApp device. The
// device session lives in a local SQLite file; pairing happens once by
// scanning the QR code logged on first connect, also served by the API.
type WhatsAppClient struct {
	client *whatsmeow.Client

	qrLock sync.RWMutex
	qrCode string
}

func NewWhatsAppClient(ctx context.Context, dbPath string) (*WhatsAppClient, error) {
	dbLog := waLog.Stdout("Database", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "WARN", true)
	return &WhatsAppClient{
		client: whatsmeow.NewClient(deviceStore, clientLog),
	}, nil
}

func (w *WhatsAppClient) Connect(ctx context.Context) error {
	if w.client.Store.ID != nil {
		if err := w.client.Connect(); err != nil {
			return err
		}
		slog.Info("whatsapp connected", "phone", w.client.Store.ID.User)
		return nil
	}

	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return err
	}

	go func() {
		for evt := range qrChan {
			if evt.Event == "code" {
				w.qrLock.Lock()
				w.qrCode = evt.Code
				w.qrLock.Unlock()
				slog.Info("whatsapp pairing code available", "qr", evt.Code)
				continue
			}
			w.qrLock.Lock()
			w.qrCode = ""
			w.qrLock.Unlock()
			slog.Info("whatsapp login event", "event", evt.Event)
		}
	}()
	return nil
}

// QR returns the latest pairing code and whether the device is paired.
func (w *WhatsAppClient) QR() (string, bool) {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode, w.client.Store.ID != nil
}

func (w *WhatsAppClient) Send(ctx context.Context, phoneNumber, message string) (string, error) {
	if !w.client.IsConnected() || w.client.Store.ID == nil {
		return "", ErrNotConnected
	}

	user := NormalizePhone(phoneNumber)
	if user == "" {
		return "", fmt.Errorf("invalid phone number %q", phoneNumber)
	}
	jid := types.NewJID(user, types.DefaultUserServer)

	text := message
	resp, err := w.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: &text,
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (w *WhatsAppClient) Disconnect() {
	w.client.Disconnect()
}

// NormalizePhone keeps only the digits of an E.164-ish number, which is the
// user part of a WhatsApp JID.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
