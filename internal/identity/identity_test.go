package identity

import (
	"context"
	"reflect"
	"testing"
)

func TestStatic(t *testing.T) {
	var got []string
	cancel := Static(" u1 ").OnChange(func(id string) { got = append(got, id) })
	cancel()
	if !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("got %v", got)
	}
}

func TestSwitch(t *testing.T) {
	s := NewSwitch()
	var got []string
	cancel := s.OnChange(func(id string) { got = append(got, id) })

	s.SignIn("u1")
	s.SignIn("u1")
	s.SignIn("u2")
	s.SignOut()
	cancel()
	s.SignIn("u3")

	want := []string{"", "u1", "u2", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if s.Current() != "u3" {
		t.Fatalf("Current() = %q", s.Current())
	}
}

func TestContext(t *testing.T) {
	if FromContext(context.Background()) != "" {
		t.Fatal("empty context carries a user")
	}
	if got := FromContext(WithUser(context.Background(), "u1")); got != "u1" {
		t.Fatalf("FromContext = %q", got)
	}
}
