// Package dynamodb has a session storage provider that uses an AWS DynamoDB table.
//
// The DynamoDB table has the following structure, where the attribute names
// are configurable:
//
//  Hash Key: name="Id" type="S"
//  Sort Key: none
//  Time to Live Attribute: name="Ttl"
//
// The table is created, if it does not already exist, by a background task started
// when the provider is constructed. Call Ready to wait for that task to complete.
// Session operations also wait for it, so they never race the table creation.
//
// Obsolete sessions are purged from the table through the use of the DynamoDB
// time to live attribute. Because DynamoDB deletes expired items lazily, expired
// sessions that are still present in the table are reported as absent.
package dynamodb
