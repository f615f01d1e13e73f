package ldclient

// A User contains specific attributes of a user browsing your site. The only mandatory
// property is the Key, which must uniquely identify each user. For authenticated users,
// this may be a username or e-mail address. For anonymous users, this could be an IP
// address or session ID.
//
// Besides the mandatory Key, User supports two kinds of optional attributes: interpreted
// attributes (e.g. Ip and Country) and custom attributes. Interpreted attributes are
// attributes that are meaningful to LaunchDarkly in some way; the most likely use for
// custom attributes is storing any other user data that your feature flag rules may
// reference.
type User struct {
	// Key is the unique key of the user.
	Key *string `json:"key,omitempty" bson:"key,omitempty"`
	// Secondary is the secondary key of the user.
	//
	// This affects feature flag targeting
	// (https://docs.launchdarkly.com/docs/targeting-users#section-targeting-rules-based-on-user-attributes)
	// as follows: if you have chosen to bucket users by a specific attribute, the secondary key (if set)
	// is used to further distinguish between users who are otherwise identical according to that attribute.
	Secondary *string `json:"secondary,omitempty" bson:"secondary,omitempty"`
	// Ip is the IP address of the user.
	Ip *string `json:"ip,omitempty" bson:"ip,omitempty"` //nolint (name cannot be changed for compatibility)
	// Country is the country of the user.
	Country *string `json:"country,omitempty" bson:"country,omitempty"`
	// Email is the email address of the user.
	Email *string `json:"email,omitempty" bson:"email,omitempty"`
	// FirstName is the first name of the user.
	FirstName *string `json:"firstName,omitempty" bson:"firstName,omitempty"`
	// LastName is the last name of the user.
	LastName *string `json:"lastName,omitempty" bson:"lastName,omitempty"`
	// Avatar is the avatar of the user.
	Avatar *string `json:"avatar,omitempty" bson:"avatar,omitempty"`
	// Name is the full name of the user.
	Name *string `json:"name,omitempty" bson:"name,omitempty"`
	// Anonymous indicates whether the user is anonymous.
	//
	// If a user is anonymous, the user key will not appear on your LaunchDarkly dashboard.
	Anonymous *bool `json:"anonymous,omitempty" bson:"anonymous,omitempty"`
	// Custom is the user's map of custom attribute names to values.
	Custom *map[string]interface{} `json:"custom,omitempty" bson:"custom,omitempty"`

	// PrivateAttributeNames is a list of attribute names (either built-in or custom) which should be
	// marked as private, and not sent to LaunchDarkly in analytics events. This is in addition to any
	// private attributes designated in the global configuration with PrivateAttributeNames or
	// AllAttributesPrivate.
	PrivateAttributeNames []string `json:"-" bson:"-"`
}

// valueOf returns the value of an attribute on the user: (nil, true) means the attribute
// does not exist on this user, where the second value is the "pass" (no match) indicator.
func (user User) valueOf(attr string) (interface{}, bool) {
	if attr == "key" {
		if user.Key != nil {
			return *user.Key, false
		}
		return nil, true
	} else if attr == "ip" {
		return user.stringAttribute(user.Ip)
	} else if attr == "country" {
		return user.stringAttribute(user.Country)
	} else if attr == "email" {
		return user.stringAttribute(user.Email)
	} else if attr == "firstName" {
		return user.stringAttribute(user.FirstName)
	} else if attr == "lastName" {
		return user.stringAttribute(user.LastName)
	} else if attr == "avatar" {
		return user.stringAttribute(user.Avatar)
	} else if attr == "name" {
		return user.stringAttribute(user.Name)
	} else if attr == "anonymous" {
		if user.Anonymous != nil {
			return *user.Anonymous, false
		}
		return nil, true
	} else if attr == "secondary" {
		return user.stringAttribute(user.Secondary)
	}

	// Select a custom attribute
	if user.Custom == nil {
		return nil, true
	}
	value, found := (*user.Custom)[attr]
	return value, !found || value == nil
}

func (user User) stringAttribute(s *string) (interface{}, bool) {
	if s != nil {
		return *s, false
	}
	return nil, true
}

// NewUser creates a new user identified by the given key.
func NewUser(key string) User {
	return User{Key: &key}
}

// NewAnonymousUser creates a new anonymous user identified by the given key.
func NewAnonymousUser(key string) User {
	anonymous := true
	return User{Key: &key, Anonymous: &anonymous}
}
