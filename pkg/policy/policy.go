// Package policy decides, per sensitive capability, which identity and MFA
// evidence a request must carry and how its results are masked.
package policy

import (
	"context"
	"errors"
	"net/http"

	"hiegate/pkg/auth"
	"hiegate/pkg/identity"
)

type Capability string

const (
	CreateRecord   Capability = "create_record"
	SearchInternal Capability = "search_internal"
	SearchExternal Capability = "search_external"
	Unmask         Capability = "unmask"
	ReadAuditLog   Capability = "read_audit_log"
)

type IdentityRequirement int

const (
	IdentityNone IdentityRequirement = iota
	IdentitySession
	IdentityAdmin
)

type MFARequirement int

const (
	MFANone MFARequirement = iota
	// MFACrossOrg applies to searches that leave the caller's organization.
	MFACrossOrg
	MFAAlways
)

type Masking int

const (
	MaskThenUnmask Masking = iota
	AlwaysMasked
	NeverMasked
)

// Decision codes. Callers branch on these, so they are stable.
const (
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeForbidden            = "FORBIDDEN"
	CodeMFARequiredExternal  = "MFA_REQUIRED_EXTERNAL"
	CodeMFAVerifyFailed      = "MFA_VERIFICATION_FAILED"
	CodeMFATokenMissing      = "MFA_TOKEN_MISSING"
	CodeMFATokenInvalid      = "MFA_TOKEN_INVALID"
	CodeOrganizationRequired = "ORGANIZATION_REQUIRED"
	CodeUnknownCapability    = "UNKNOWN_CAPABILITY"
)

type Rule struct {
	Identity IdentityRequirement
	MFA      MFARequirement
	Masking  Masking
}

// Rules is the capability table.
var Rules = map[Capability]Rule{
	CreateRecord:   {Identity: IdentitySession, MFA: MFANone, Masking: NeverMasked},
	SearchInternal: {Identity: IdentitySession, MFA: MFANone, Masking: MaskThenUnmask},
	SearchExternal: {Identity: IdentitySession, MFA: MFACrossOrg, Masking: MaskThenUnmask},
	Unmask:         {Identity: IdentitySession, MFA: MFAAlways, Masking: NeverMasked},
	ReadAuditLog:   {Identity: IdentityAdmin, MFA: MFANone, Masking: NeverMasked},
}

type Decision struct {
	Allowed bool
	Status  int
	Code    string
	Message string
	Masking Masking
	// MFAUser is the verified assertion's user when MFA was checked.
	MFAUser string
}

func allow(rule Rule) Decision {
	return Decision{Allowed: true, Status: http.StatusOK, Masking: rule.Masking}
}

func deny(status int, code, msg string) Decision {
	return Decision{Status: status, Code: code, Message: msg}
}

type AssertionVerifier interface {
	VerifyAssertion(ctx context.Context, raw string) (auth.AssertionClaims, error)
}

type Request struct {
	User identity.UserContext
	// Assertion is the raw bearer MFA token, possibly empty.
	Assertion string
}

// Capability for a search depends on the external flag.
func SearchCapability(external bool) Capability {
	if external {
		return SearchExternal
	}
	return SearchInternal
}

// Authorize composes the identity and MFA requirements for c. The MFA
// assertion is verified only after the identity requirement passes.
func Authorize(ctx context.Context, v AssertionVerifier, c Capability, req Request) Decision {
	rule, ok := Rules[c]
	if !ok {
		return deny(http.StatusForbidden, CodeUnknownCapability, "capability not recognised")
	}
	switch rule.Identity {
	case IdentitySession:
		if !req.User.Authenticated() {
			return deny(http.StatusUnauthorized, CodeUnauthenticated, "login required")
		}
	case IdentityAdmin:
		if !req.User.Authenticated() {
			return deny(http.StatusUnauthorized, CodeUnauthenticated, "login required")
		}
		if !req.User.IsAdmin() {
			return deny(http.StatusForbidden, CodeForbidden, "administrator access required")
		}
	}
	if rule.MFA == MFANone {
		return allow(rule)
	}

	missing, invalid := CodeMFATokenMissing, CodeMFATokenInvalid
	if rule.MFA == MFACrossOrg {
		missing, invalid = CodeMFARequiredExternal, CodeMFAVerifyFailed
	}
	if v == nil {
		return deny(http.StatusForbidden, invalid, "mfa verification unavailable")
	}
	claims, err := v.VerifyAssertion(ctx, req.Assertion)
	switch {
	case errors.Is(err, auth.ErrMFAMissing):
		return deny(http.StatusUnauthorized, missing, missingMessage(rule.MFA))
	case err != nil:
		return deny(http.StatusForbidden, invalid, "mfa verification failed, authenticate again")
	}
	d := allow(rule)
	d.MFAUser = claims.User()
	return d
}

func missingMessage(m MFARequirement) string {
	if m == MFACrossOrg {
		return "mfa is required to search other organizations"
	}
	return "mfa is required to view original values"
}

// Recheck is the HIE tier's view: it trusts the web tier's identity fields
// but refuses capabilities whose MFA flag was not set, and refuses
// unscoped internal searches.
func Recheck(c Capability, mfaVerified bool, organization string) Decision {
	rule, ok := Rules[c]
	if !ok {
		return deny(http.StatusForbidden, CodeUnknownCapability, "capability not recognised")
	}
	switch {
	case rule.MFA == MFACrossOrg && !mfaVerified:
		return deny(http.StatusForbidden, CodeMFARequiredExternal, "mfa is required to search other organizations")
	case rule.MFA == MFAAlways && !mfaVerified:
		return deny(http.StatusForbidden, CodeMFATokenMissing, "mfa is required to view original values")
	case c == SearchInternal && organization == "":
		return deny(http.StatusForbidden, CodeOrganizationRequired, "organization is required for an internal search")
	}
	return allow(rule)
}
