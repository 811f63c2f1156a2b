package network

// 观战连接上的消息类型，数据部分为 JSON
const (
	MsgTypeHeartbeat = 1
	MsgTypeError     = 2

	MsgTypeSubmitAnswer = 201

	MsgTypeRoomState = 301
	MsgTypeRoundEnd  = 305
)
