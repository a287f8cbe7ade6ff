package panel

type CreateUserRequest struct {
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // ISO 8601
	Tag                  string   `json:"tag,omitempty"`
	Description          string   `json:"description,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads"`
}

type ExtendRequest struct {
	ExpireAt string `json:"expireAt"` // ISO 8601
}

type UserResponse struct {
	UUID                 string  `json:"uuid"`
	ShortUUID            string  `json:"shortUuid"`
	Username             string  `json:"username"`
	Status               string  `json:"status"`
	TrafficLimitBytes    int64   `json:"trafficLimitBytes"`
	ExpireAt             string  `json:"expireAt"`
	Tag                  string  `json:"tag"`
	SubscriptionURL      string  `json:"subscriptionUrl"`
	ActiveInternalSquads []Squad `json:"activeInternalSquads"`
}

type Squad struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// apiResponse is the envelope the panel wraps every payload in.
type apiResponse struct {
	Response UserResponse `json:"response"`
}
