// Package mtproto implements the send/receive half of an MTProto session:
// given an authenticated connection, it assigns msg-ids and sequence
// numbers, encrypts and decrypts the wire envelope, batches pending
// requests into containers, and correlates replies (including the dozen
// "meta" server notifications) back to their callers. It does not
// implement the Diffie-Hellman key exchange, RPC schema, or any
// Telegram-specific application logic beyond what the dispatch table
// needs to stay correlated.
package mtproto
