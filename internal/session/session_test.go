package session

import "testing"

func TestIdentityNormalize(t *testing.T) {
	id := Identity{UserID: " doc-1 ", Role: "Doctor", Token: " tok "}.Normalize()
	if id.UserID != "doc-1" || id.Role != RoleDoctor || id.Token != "tok" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if got := (Identity{UserID: "u", Role: "admin"}).Normalize(); got.Role != "" {
		t.Fatalf("expected unknown role dropped, got %q", got.Role)
	}
	if got := (Identity{Token: "orphan"}).Normalize(); got != (Identity{}) || !got.Anonymous() {
		t.Fatalf("expected anonymous identity without user, got %+v", got)
	}
}

func TestVisibility(t *testing.T) {
	var v Visibility
	if v.Hidden() {
		t.Fatalf("expected visible by default")
	}
	v.SetHidden(true)
	if !v.Hidden() {
		t.Fatalf("expected hidden")
	}
}
