package controllers

// Common request/response types for HTTP controllers

type putUserReq struct {
	Name string `json:"name"`
}

type createRoomReq struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	MaxParticipants *int   `json:"maxParticipants"`
	Private         bool   `json:"private"`
}

type updateRoomReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type changeRoleReq struct {
	Role string `json:"role"`
}

type notifyReq struct {
	Message string `json:"message"`
}

// sendMessageReq is the REST form of a chat message; room and sender come
// from the route and the caller identity.
type sendMessageReq struct {
	Content    string `json:"content"`
	Type       string `json:"type"`
	TempID     string `json:"tempId"`
	SenderName string `json:"senderName"`
}
