package slack

import (
	"strings"
)

const DefaultDomain = "slack.com"

// ThreadURL builds the permalink of the thread rooted at message ts in
// channel. Slack permalinks drop the first '.' of the timestamp.
func ThreadURL(workspace, domain, channelID, ts string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = DefaultDomain
	}
	return "https://" + strings.TrimSpace(workspace) + "." + domain +
		"/archives/" + channelID + "/p" + strings.Replace(ts, ".", "", 1)
}
