package bus

// Identity addresses a window, application, or external runtime connection.
// An empty Name denotes an application-level identity.
type Identity struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

// IsApp reports whether the identity addresses an application rather than a
// named window.
func (i Identity) IsApp() bool {
	return i.Name == ""
}

// Equal reports structural equality.
func (i Identity) Equal(other Identity) bool {
	return i.UUID == other.UUID && i.Name == other.Name
}

func (i Identity) String() string {
	if i.Name == "" {
		return i.UUID
	}
	return i.UUID + "/" + i.Name
}

// ProviderIdentity is an Identity extended with the channel it registered.
// ChannelID is derived, never assigned by callers.
type ProviderIdentity struct {
	Identity
	ChannelName string `json:"channelName,omitempty"`
	ChannelID   string `json:"channelId"`
}

// NewProviderIdentity derives the ProviderIdentity for identity providing
// channelName.
func NewProviderIdentity(identity Identity, channelName string) ProviderIdentity {
	return ProviderIdentity{
		Identity:    identity,
		ChannelName: channelName,
		ChannelID:   ChannelID(identity, channelName),
	}
}

// ChannelID derives the unique channel key: uuid + "/" + name + "/" +
// channelName. At most one provider may hold a given channelId at a time.
func ChannelID(identity Identity, channelName string) string {
	return identity.UUID + "/" + identity.Name + "/" + channelName
}

// AckKey derives the correlation key for an in-flight request:
// messageId + "-" + uuid + "-" + name. Unique per pending request.
func AckKey(messageID string, requester Identity) string {
	return messageID + "-" + requester.UUID + "-" + requester.Name
}
