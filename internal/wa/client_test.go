package wa

import (
	"testing"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestMessageText(t *testing.T) {
	cases := []struct {
		name string
		msg  *waProto.Message
		want string
	}{
		{"conversation", &waProto.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended", &waProto.Message{ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("quoted reply")}}, "quoted reply"},
		{"image", &waProto.Message{ImageMessage: &waProto.ImageMessage{Caption: proto.String("pic")}}, ""},
	}
	for _, tc := range cases {
		if got := messageText(tc.msg); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestEnsureDirCreatesMissingPath(t *testing.T) {
	dir := t.TempDir() + "/nested/store"
	if err := ensureDir(dir); err != nil {
		t.Fatalf("ensureDir: %v", err)
	}
	if err := ensureDir(dir); err != nil {
		t.Fatalf("ensureDir second call: %v", err)
	}
}
