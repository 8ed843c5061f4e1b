package policy

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"hiegate/pkg/auth"
	"hiegate/pkg/identity"
	"hiegate/pkg/models"
)

type stubVerifier struct {
	calls int
}

func (s *stubVerifier) VerifyAssertion(_ context.Context, raw string) (auth.AssertionClaims, error) {
	s.calls++
	switch raw {
	case "":
		return auth.AssertionClaims{}, auth.ErrMFAMissing
	case "good":
		return auth.AssertionClaims{Email: "kim@a.kr", RegisteredClaims: jwt.RegisteredClaims{Subject: "kc-1"}}, nil
	default:
		return auth.AssertionClaims{}, fmt.Errorf("%w: expired", auth.ErrMFAInvalid)
	}
}

var (
	doctor = identity.UserContext{ID: "kim", Email: "kim@a.kr", Name: "Kim", Organization: "A", Role: identity.RoleNormal}
	admin  = identity.UserContext{ID: "root", Email: "root@a.kr", Organization: "A", Role: identity.RoleAdministrator}
)

func TestAuthorizeTable(t *testing.T) {
	cases := []struct {
		name      string
		cap       Capability
		user      identity.UserContext
		assertion string
		status    int
		code      string
	}{
		{"create needs session", CreateRecord, identity.UserContext{}, "", http.StatusUnauthorized, CodeUnauthenticated},
		{"create with session", CreateRecord, doctor, "", http.StatusOK, ""},
		{"unknown actor is unauthenticated", SearchInternal, identity.Unknown(), "", http.StatusUnauthorized, CodeUnauthenticated},
		{"internal search", SearchInternal, doctor, "", http.StatusOK, ""},
		{"external without token", SearchExternal, doctor, "", http.StatusUnauthorized, CodeMFARequiredExternal},
		{"external with bad token", SearchExternal, doctor, "stale", http.StatusForbidden, CodeMFAVerifyFailed},
		{"external with token", SearchExternal, doctor, "good", http.StatusOK, ""},
		{"unmask without token", Unmask, doctor, "", http.StatusUnauthorized, CodeMFATokenMissing},
		{"unmask with bad token", Unmask, doctor, "x", http.StatusForbidden, CodeMFATokenInvalid},
		{"unmask with token", Unmask, doctor, "good", http.StatusOK, ""},
		{"audit needs admin", ReadAuditLog, doctor, "", http.StatusForbidden, CodeForbidden},
		{"audit admin", ReadAuditLog, admin, "", http.StatusOK, ""},
		{"unknown capability", Capability("drop_table"), admin, "", http.StatusForbidden, CodeUnknownCapability},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Authorize(context.Background(), &stubVerifier{}, tc.cap, Request{User: tc.user, Assertion: tc.assertion})
			assert.Equal(t, tc.status, d.Status)
			assert.Equal(t, tc.code, d.Code)
			assert.Equal(t, tc.status == http.StatusOK, d.Allowed)
		})
	}
}

func TestAuthorizeSkipsMFAWhenUnauthenticated(t *testing.T) {
	v := &stubVerifier{}
	d := Authorize(context.Background(), v, Unmask, Request{Assertion: "good"})
	assert.Equal(t, CodeUnauthenticated, d.Code)
	assert.Zero(t, v.calls)
}

func TestAuthorizeRecordsMFAUser(t *testing.T) {
	d := Authorize(context.Background(), &stubVerifier{}, SearchExternal, Request{User: doctor, Assertion: "good"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "kim@a.kr", d.MFAUser)
	assert.Equal(t, MaskThenUnmask, d.Masking)
}

func TestAuthorizeWithoutVerifierFailsClosed(t *testing.T) {
	d := Authorize(context.Background(), nil, Unmask, Request{User: doctor, Assertion: "good"})
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMFATokenInvalid, d.Code)
}

func TestSearchCapability(t *testing.T) {
	assert.Equal(t, SearchExternal, SearchCapability(true))
	assert.Equal(t, SearchInternal, SearchCapability(false))
}

func TestRecheck(t *testing.T) {
	assert.Equal(t, CodeMFARequiredExternal, Recheck(SearchExternal, false, "A").Code)
	assert.True(t, Recheck(SearchExternal, true, "").Allowed)
	assert.Equal(t, CodeMFATokenMissing, Recheck(Unmask, false, "A").Code)
	assert.Equal(t, CodeOrganizationRequired, Recheck(SearchInternal, false, "").Code)
	assert.True(t, Recheck(SearchInternal, false, "A").Allowed)
	assert.True(t, Recheck(CreateRecord, false, "A").Allowed)
}

func TestUnmaskFieldsAllowList(t *testing.T) {
	rec := models.MedicalRecord{Name: "홍길동", NationalID: "900101-1234567", Diagnosis: "Hypertension"}

	assert.Equal(t, map[string]string{"name": "홍길동"}, UnmaskFields(rec, []string{"name", "ssn"}))
	assert.Equal(t, map[string]string{"diagnosis": "Hypertension"}, UnmaskFields(rec, []string{"diagnosis"}))
	assert.Equal(t, map[string]string{"address": ""}, UnmaskFields(rec, []string{"address", "note"}))
	assert.Empty(t, UnmaskFields(rec, []string{"ssn", "note"}))
	assert.Equal(t, []string{"diagnosis", "name"}, AllowedFields([]string{"diagnosis", "ssn", "name", "diagnosis"}))
}
