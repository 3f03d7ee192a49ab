// Package fogproto defines the wire types exchanged with the fog
// control plane: registration, OAuth2 token acquisition, checkUpdate,
// and audit event submission. The concrete HTTP transport is an excluded
// external collaborator; this package is the shared vocabulary between
// internal/fogauth, internal/updatecomm, and internal/downloader.
package fogproto

// ArtifactRef is one of the four top-level tuple fields in a check-update
// round trip. An empty ArtifactRef (zero Checksum) means "no change".
type ArtifactRef struct {
	Checksum string `json:"checksum,omitempty"`
	Version  string `json:"version,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Changed reports whether this ref represents an actual change.
func (a ArtifactRef) Changed() bool { return a.Checksum != "" }

// VirtualArtifactRef is a per-(tenant, profile) artifact reference.
type VirtualArtifactRef struct {
	Tenant  string `json:"tenantId"`
	Profile string `json:"profileId"`
	ArtifactRef
}

// CheckUpdateRequest carries the checksums of the four locally-held
// artifact files, plus one sub-request per active (tenant, profile) pair.
type CheckUpdateRequest struct {
	Manifest        ArtifactRef          `json:"manifest"`
	Policy          ArtifactRef          `json:"policy"`
	Settings        ArtifactRef          `json:"settings"`
	Data            ArtifactRef          `json:"data"`
	VirtualPolicy   []VirtualArtifactRef `json:"virtualPolicy,omitempty"`
	VirtualSettings []VirtualArtifactRef `json:"virtualSettings,omitempty"`

	// UpgradeMode/Declarative are annotated when operating in hybrid mode.
	UpgradeMode bool `json:"upgradeMode,omitempty"`
	Declarative bool `json:"declarative,omitempty"`
}

// CheckUpdateResponse echoes the request; any non-empty field means
// "this changed, here is its new checksum/URL".
type CheckUpdateResponse struct {
	Manifest        ArtifactRef          `json:"manifest"`
	Policy          ArtifactRef          `json:"policy"`
	Settings        ArtifactRef          `json:"settings"`
	Data            ArtifactRef          `json:"data"`
	VirtualPolicy   []VirtualArtifactRef `json:"virtualPolicy,omitempty"`
	VirtualSettings []VirtualArtifactRef `json:"virtualSettings,omitempty"`
}

// AnyChanged reports whether any top-level field changed.
func (r CheckUpdateResponse) AnyChanged() bool {
	return r.Manifest.Changed() || r.Policy.Changed() || r.Settings.Changed() || r.Data.Changed()
}

// RegistrationRequest is POSTed to /agents.
type RegistrationRequest struct {
	Token        string   `json:"token"`
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform"`
	Arch         string   `json:"arch"`
	Version      string   `json:"version"`
	RequiredApps []string `json:"requiredApps"`
	ManagedMode  string   `json:"managedMode"`
}

// RegistrationResponse is the fog's reply to a successful /agents POST.
type RegistrationResponse struct {
	ClientID     string `json:"client_id"`
	SharedSecret string `json:"shared_secret"`
	AgentID      string `json:"agentId"`
	ProfileID    string `json:"profileId"`
	TenantID     string `json:"tenantId"`
}

// TokenResponse is the fog's reply to /oauth/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UUID        string `json:"uuid,omitempty"`
	Scope       string `json:"scope,omitempty"`
	JTI         string `json:"jti,omitempty"`
}

// OrchestrationPolicy is the subset of a decoded policy.json that the
// orchestration loop itself interprets, distinct from the bulk of the
// document that is forwarded verbatim to registered services. A field
// left at its zero value means "unspecified, keep the current setting".
type OrchestrationPolicy struct {
	FogHost               string `json:"fogHost,omitempty"`
	FogPort               string `json:"fogPort,omitempty"`
	FogSSL                *bool  `json:"fogSsl,omitempty"`
	SleepIntervalSec      int    `json:"sleepIntervalSec,omitempty"`
	ErrorSleepIntervalSec int    `json:"errorSleepIntervalSec,omitempty"`
}

// SendPolicyVersionRequest is the PATCH-style body of sendPolicyVersion.
type SendPolicyVersionRequest struct {
	PolicyVersion string            `json:"policyVersion"`
	Versions      map[string]string `json:"versions,omitempty"`
}

// AuditEventRequest is the body of a fire-and-forget POST /agents/events.
type AuditEventRequest struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Time    string `json:"time"`
}
