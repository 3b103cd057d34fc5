package repository

import (
	"fmt"

	"officechat/internal/models"
)

// visibleMessagesClause is the history visibility predicate for message alias
// m in chat alias c, seen through membership row alias cm. Group chats hide
// messages created before the member joined; other chat types show everything.
// models.Visible is the in-memory twin of this clause.
func visibleMessagesClause(m, c, cm string) string {
	return fmt.Sprintf("%[1]s.chat_id = %[3]s.chat_id AND (%[2]s.type <> '%[4]s' OR %[1]s.created_at >= %[3]s.joined_at)",
		m, c, cm, models.ChatTypeGroup)
}

// unreadMessagesClause narrows visibleMessagesClause to messages the member
// did not send and has not read. Direct chats track a single is_read flag;
// other chats track readers in message_reads.
func unreadMessagesClause(m, c, cm string) string {
	return fmt.Sprintf("%[5]s"+
		" AND (%[1]s.sender_id IS NULL OR %[1]s.sender_id <> %[3]s.user_id)"+
		" AND ((%[2]s.type = '%[4]s' AND NOT %[1]s.is_read)"+
		" OR (%[2]s.type <> '%[4]s' AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = %[1]s.id AND mr.user_id = %[3]s.user_id)))",
		m, c, cm, models.ChatTypeDirect, visibleMessagesClause(m, c, cm))
}
