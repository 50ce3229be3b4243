package nexus

// NotificationKind distinguishes message toasts from error toasts.
type NotificationKind string

const (
	NotifyMessage NotificationKind = "message"
	NotifyError   NotificationKind = "error"
)

// Notification is a one-shot user-facing notice.
type Notification struct {
	Kind  NotificationKind
	Key   ConversationKey
	Title string
	Body  string
}

// Notifier shows notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func orNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}
