package canvas

import (
	"strings"
	"sync"
	"time"

	"github.com/gyozanisonline/colab-sub000/protocol"
)

type ChatSettings struct {
	HistorySize int
}

func DefaultChatSettings() *ChatSettings {
	return &ChatSettings{
		HistorySize: 100,
	}
}

type ChatEntry struct {
	Text  string
	Name  string
	Color string
	// true for the local participant's own optimistic copy
	Local      bool
	ReceivedAt time.Time
}

type ChatFunction func(entry ChatEntry)

// Bounded chat history. The coordinator keeps none, so a session only sees
// messages sent while it is connected.
type ChatLog struct {
	settings *ChatSettings

	stateLock sync.Mutex
	entries   []ChatEntry

	chatCallbacks CallbackList[ChatFunction]
}

func NewChatLogWithDefaults() *ChatLog {
	return NewChatLog(DefaultChatSettings())
}

func NewChatLog(settings *ChatSettings) *ChatLog {
	return &ChatLog{
		settings: settings,
	}
}

func (self *ChatLog) AddChatCallback(chatCallback ChatFunction) func() {
	return self.chatCallbacks.add(chatCallback)
}

func (self *ChatLog) add(entry ChatEntry) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.entries = append(self.entries, entry)
		if historySize := max(1, self.settings.HistorySize); historySize < len(self.entries) {
			self.entries = append([]ChatEntry(nil), self.entries[len(self.entries)-historySize:]...)
		}
	}()

	for _, chatCallback := range self.chatCallbacks.get() {
		HandleError(func() {
			chatCallback(entry)
		})
	}
}

// Appends the local copy optimistically and sends. Blank messages are ignored.
func (self *ChatLog) Send(sender Sender, chatMessage *protocol.ChatMessage, now time.Time) bool {
	if strings.TrimSpace(chatMessage.Text) == "" {
		return false
	}
	self.add(ChatEntry{
		Text:       chatMessage.Text,
		Name:       chatMessage.Name,
		Color:      chatMessage.Color,
		Local:      true,
		ReceivedAt: now,
	})
	return sender.Send(protocol.EventChatMessage, chatMessage)
}

func (self *ChatLog) Receive(chatMessage *protocol.ChatMessage, now time.Time) {
	self.add(ChatEntry{
		Text:       chatMessage.Text,
		Name:       chatMessage.Name,
		Color:      chatMessage.Color,
		ReceivedAt: now,
	})
}

// oldest first
func (self *ChatLog) Entries() []ChatEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]ChatEntry(nil), self.entries...)
}
