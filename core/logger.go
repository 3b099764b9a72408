package core

// Logger is any leveled logger the application can report to.
// Implementations may inspect args for known types (eg. a user.User to attach
// the acting user to an error report).
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
