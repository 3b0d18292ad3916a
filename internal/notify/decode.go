package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Decode parses a notification document. Comments and trailing commas are
// accepted so operators can annotate replay files.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(jsonc.ToJSON(data), &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	n.SenderID = strings.TrimSpace(n.SenderID)
	n.ChannelID = strings.TrimSpace(n.ChannelID)
	n.Timestamp = strings.TrimSpace(n.Timestamp)
	if n.ChannelID == "" || n.Timestamp == "" {
		return Notification{}, fmt.Errorf("%w: channelId and ts are required", ErrInvalidNotification)
	}
	return n, nil
}

func DecodeFile(path string) (Notification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Notification{}, err
	}
	n, err := Decode(data)
	if err != nil {
		return Notification{}, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}
