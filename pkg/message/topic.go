package message

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidTopic = errors.New("invalid topic key")

// TopicKey identifies the stream a message belongs to. Channel keys carry a
// trailing dash ("c1-") and conversation keys a leading one ("-d1"), so the
// two namespaces never collide.
type TopicKey string

const (
	ChannelParam      = "channelId"
	ConversationParam = "conversationId"
)

func ChannelTopic(channelID string) TopicKey {
	return TopicKey(channelID + "-")
}

func ConversationTopic(conversationID string) TopicKey {
	return TopicKey("-" + conversationID)
}

// NewTopicKey derives the key from a channel or conversation id. Exactly one
// of the two must be set.
func NewTopicKey(channelID, conversationID string) (TopicKey, error) {
	channelID = strings.TrimSpace(channelID)
	conversationID = strings.TrimSpace(conversationID)
	switch {
	case channelID != "" && conversationID != "":
		return "", errors.Wrap(ErrInvalidTopic, "both channelId and conversationId set")
	case channelID != "":
		if strings.HasPrefix(channelID, "-") {
			return "", errors.Wrapf(ErrInvalidTopic, "channel id %q starts with a dash", channelID)
		}
		return ChannelTopic(channelID), nil
	case conversationID != "":
		return ConversationTopic(conversationID), nil
	default:
		return "", errors.Wrap(ErrInvalidTopic, "neither channelId nor conversationId set")
	}
}

// Parse splits the key back into its channel or conversation id.
func (k TopicKey) Parse() (channelID, conversationID string, err error) {
	s := string(k)
	switch {
	case len(s) > 1 && strings.HasPrefix(s, "-"):
		return "", s[1:], nil
	case len(s) > 1 && strings.HasSuffix(s, "-"):
		return s[:len(s)-1], "", nil
	default:
		return "", "", errors.Wrapf(ErrInvalidTopic, "malformed key %q", s)
	}
}

// QueryParam returns the history endpoint parameter name and value for the key.
func (k TopicKey) QueryParam() (string, string, error) {
	ch, conv, err := k.Parse()
	if err != nil {
		return "", "", err
	}
	if ch != "" {
		return ChannelParam, ch, nil
	}
	return ConversationParam, conv, nil
}

func (k TopicKey) Valid() bool {
	_, _, err := k.Parse()
	return err == nil
}

func (k TopicKey) String() string { return string(k) }
